package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentcommerce/checkout-bridge/internal/config"
	"github.com/agentcommerce/checkout-bridge/internal/domain"
	"github.com/agentcommerce/checkout-bridge/internal/password"
)

// EnsureDemoRegistrations seeds a demo OAuth client and member when their
// credentials are configured. Insert-or-ignore, so restarts are safe.
// Refuses to run in production.
func EnsureDemoRegistrations(registry Registry, cfg config.Config, logger *zap.Logger) error {
	if cfg.DemoClientID == "" && cfg.DemoMemberEmail == "" {
		return nil
	}
	if cfg.IsProduction() {
		return fmt.Errorf("demo registrations must not be seeded in production")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.DemoClientID != "" {
		client := domain.OAuthClient{
			ClientID:      cfg.DemoClientID,
			ClientSecret:  cfg.DemoClientSecret,
			Name:          "Demo Shopping Agent",
			RedirectURIs:  []string{"http://localhost:3000/callback"},
			AllowedScopes: ScopeCatalog(),
			Public:        cfg.DemoClientSecret == "",
			CreatedAt:     time.Now().UTC(),
		}
		if err := registry.CreateClient(ctx, client); err != nil {
			return fmt.Errorf("seed demo client: %w", err)
		}
		logger.Info("demo oauth client ensured", zap.String("client_id", client.ClientID))
	}

	if cfg.DemoMemberEmail != "" {
		if cfg.DemoMemberPass == "" {
			return fmt.Errorf("DEMO_MEMBER_PASSWORD is required when DEMO_MEMBER_EMAIL is set")
		}
		hash, err := password.Hash(cfg.DemoMemberPass)
		if err != nil {
			return fmt.Errorf("hash demo member password: %w", err)
		}
		member := domain.Member{
			ID:           "mem_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Email:        strings.ToLower(strings.TrimSpace(cfg.DemoMemberEmail)),
			Name:         "Demo Member",
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := registry.CreateMember(ctx, member); err != nil {
			return fmt.Errorf("seed demo member: %w", err)
		}
		logger.Info("demo member ensured", zap.String("email", member.Email))
	}

	return nil
}
