package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
)

// Registry is the persistent store for OAuth clients and members.
type Registry interface {
	GetClient(ctx context.Context, clientID string) (domain.OAuthClient, error)
	CreateClient(ctx context.Context, client domain.OAuthClient) error
	GetMemberByEmail(ctx context.Context, email string) (domain.Member, error)
	GetMemberByID(ctx context.Context, memberID string) (domain.Member, error)
	CreateMember(ctx context.Context, member domain.Member) error
}

// PostgresRegistry implements Registry over pgx.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

var _ Registry = (*PostgresRegistry)(nil)

// NewPostgresRegistry wires the registry.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) GetClient(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT client_id, client_secret, name, redirect_uris, allowed_scopes, public, created_at
		 FROM oauth_clients WHERE client_id = $1`, clientID)
	var client domain.OAuthClient
	err := row.Scan(&client.ClientID, &client.ClientSecret, &client.Name, &client.RedirectURIs, &client.AllowedScopes, &client.Public, &client.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthClient{}, domain.ErrClientNotFound
		}
		return domain.OAuthClient{}, fmt.Errorf("get oauth client: %w", err)
	}
	return client, nil
}

func (r *PostgresRegistry) CreateClient(ctx context.Context, client domain.OAuthClient) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO oauth_clients (client_id, client_secret, name, redirect_uris, allowed_scopes, public, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id) DO NOTHING`,
		client.ClientID, client.ClientSecret, client.Name, client.RedirectURIs, client.AllowedScopes, client.Public, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("create oauth client: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) GetMemberByEmail(ctx context.Context, email string) (domain.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM members WHERE email = $1`, email)
	return scanMember(row)
}

func (r *PostgresRegistry) GetMemberByID(ctx context.Context, memberID string) (domain.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM members WHERE id = $1`, memberID)
	return scanMember(row)
}

func (r *PostgresRegistry) CreateMember(ctx context.Context, member domain.Member) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members (id, email, name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO NOTHING`,
		member.ID, member.Email, member.Name, member.PasswordHash, member.CreatedAt)
	if err != nil {
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

func scanMember(row pgx.Row) (domain.Member, error) {
	var member domain.Member
	err := row.Scan(&member.ID, &member.Email, &member.Name, &member.PasswordHash, &member.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Member{}, domain.ErrMemberNotFound
		}
		return domain.Member{}, fmt.Errorf("get member: %w", err)
	}
	return member, nil
}

const clientCacheTTL = 30 * time.Second

// ClientResolver fronts the registry with a short-TTL cache and, outside
// production, a permissive development client for client IDs that are
// genuinely unknown. Lookup failures of any other kind propagate; a
// database outage must never downgrade to the dev client.
type ClientResolver struct {
	registry Registry
	cfg      config.Config
	logger   *zap.Logger
	mu       sync.Mutex
	cache    map[string]cachedClient
	now      func() time.Time
}

type cachedClient struct {
	client    domain.OAuthClient
	expiresAt time.Time
}

// NewClientResolver wires the resolver.
func NewClientResolver(registry Registry, cfg config.Config, logger *zap.Logger) *ClientResolver {
	return &ClientResolver{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[string]cachedClient),
		now:      time.Now,
	}
}

// Resolve returns the client for clientID, consulting the cache first.
func (r *ClientResolver) Resolve(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	now := r.now()
	r.mu.Lock()
	if entry, ok := r.cache[clientID]; ok && now.Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.client, nil
	}
	r.mu.Unlock()

	client, err := r.registry.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrClientNotFound) && !r.cfg.IsProduction() {
			r.logger.Warn("unknown oauth client, using development fallback",
				zap.String("client_id", clientID),
				zap.String("environment", r.cfg.Environment),
			)
			return r.developmentClient(clientID), nil
		}
		if errors.Is(err, domain.ErrClientNotFound) {
			return domain.OAuthClient{}, err
		}
		return domain.OAuthClient{}, domain.Unavailable("client registry unavailable")
	}

	r.mu.Lock()
	r.cache[clientID] = cachedClient{client: client, expiresAt: now.Add(clientCacheTTL)}
	r.mu.Unlock()
	return client, nil
}

func (r *ClientResolver) developmentClient(clientID string) domain.OAuthClient {
	return domain.OAuthClient{
		ClientID:      clientID,
		Name:          "Development Fallback Client",
		RedirectURIs:  []string{"http://localhost:3000/callback"},
		AllowedScopes: ScopeCatalog(),
		Public:        true,
		CreatedAt:     r.now().UTC(),
	}
}
