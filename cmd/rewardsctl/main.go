package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	configKeyDatabaseURL = "database_url"
	defaultDatabaseURL   = "sqlite:///tmp/rewards.db"

	operatorUserID = "rewardsctl"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rewardsctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rewardsctl",
		Short:         "Operator tooling for the points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")

	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newAccrueCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newExpireCommand())
	cmd.AddCommand(newResetOldestCommand())
	cmd.AddCommand(newProductCommand())
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flag expired ledger entries across every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				report, err := service.SweepAll(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d users, swept %d\n", report.UsersScanned, report.UsersSwept)
				return nil
			})
		},
	}
}

func newAccrueCommand() *cobra.Command {
	var userID string
	var points float64
	cmd := &cobra.Command{
		Use:   "accrue",
		Short: "Credit points into a user's current-day ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				target, err := rewards.NewUserID(userID)
				if err != nil {
					return err
				}
				acting := rewards.ActingUser{ID: target, DisplayName: target.String()}
				if err := service.AccruePoints(ctx, acting, points); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accrued %.2f points for %s\n", points, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().Float64Var(&points, "points", 0, "points to credit")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("points")
	return cmd
}

func newSeedCommand() *cobra.Command {
	var userID string
	var points float64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a ledger for a user with no history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				target, err := rewards.NewUserID(userID)
				if err != nil {
					return err
				}
				created, err := service.SeedLedgerIfAbsent(ctx, operatorUser(), target, points)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded ledger for %s with %.2f points\n", target, points)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "ledger for %s already exists, nothing done\n", target)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().Float64Var(&points, "points", 0, "lifetime points balance to seed")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newExpireCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Flag every ledger entry of a user unusable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				target, err := rewards.NewUserID(userID)
				if err != nil {
					return err
				}
				if err := service.ExpireAllUserPoints(ctx, operatorUser(), target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired all points for %s\n", target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newResetOldestCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reset-oldest",
		Short: "Restart the expiration window of a user's oldest entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				target, err := rewards.NewUserID(userID)
				if err != nil {
					return err
				}
				if err := service.ResetOldestEntryExpiration(ctx, operatorUser(), target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset oldest entry for %s\n", target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newProductCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage the voucher catalog",
	}
	cmd.AddCommand(newProductListCommand())
	cmd.AddCommand(newProductCreateCommand())
	return cmd
}

func newProductListCommand() *cobra.Command {
	var includeInactive bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				products, err := service.ListProducts(ctx, includeInactive)
				if err != nil {
					return err
				}
				for _, product := range products {
					quantity := fmt.Sprintf("%d/%d", product.RedeemedQuantity, product.TotalQuantity)
					if product.Unlimited {
						quantity = "unlimited"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcost=%d\tredeemed=%s\tactive=%t\n",
						product.ID, product.Name, product.PointsCost, quantity, product.Active)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeInactive, "all", false, "include inactive products")
	return cmd
}

func newProductCreateCommand() *cobra.Command {
	var name string
	var cost int64
	var quantity int64
	var unlimited bool
	var active bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a catalog product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *rewards.Service) error {
				product, err := service.CreateProduct(ctx, operatorUser(), rewards.ProductSpec{
					Name:          name,
					PointsCost:    cost,
					TotalQuantity: quantity,
					Unlimited:     unlimited,
					Active:        active,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created product %s\n", product.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().Int64Var(&cost, "cost", 0, "points cost per unit")
	cmd.Flags().Int64Var(&quantity, "quantity", 0, "total issuable units")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "no quantity cap")
	cmd.Flags().BoolVar(&active, "active", false, "publish immediately")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func operatorUser() rewards.ActingUser {
	userID, err := rewards.NewUserID(operatorUserID)
	if err != nil {
		panic(err)
	}
	return rewards.ActingUser{ID: userID, DisplayName: "operator"}
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, service *rewards.Service) error) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	dsn := viper.GetString(configKeyDatabaseURL)
	if dsn == "" {
		dsn = defaultDatabaseURL
	}

	ctx := cmd.Context()
	gormDB, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	store := gormstore.New(gormDB)
	clock := func() time.Time { return time.Now().UTC() }
	service, err := rewards.NewService(store, clock)
	if err != nil {
		return fmt.Errorf("rewards service init: %w", err)
	}
	return fn(ctx, service)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "rewards.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
