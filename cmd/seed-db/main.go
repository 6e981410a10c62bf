package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/handler"
	"github.com/xenking/kart-orders/internal/storage/mongodb"
)

type catalogJSON struct {
	Modules []struct {
		ID    string          `json:"id"`
		Title string          `json:"title"`
		Price decimal.Decimal `json:"price"`
	} `json:"modules"`
	Carts []struct {
		User  string `json:"user"`
		Items []struct {
			Module   string `json:"module"`
			Quantity int    `json:"quantity"`
		} `json:"items"`
	} `json:"carts"`
}

func main() {
	var (
		mongoURI    string
		database    string
		catalogFile string
		jwtSecret   string
		issuer      string
	)

	flag.StringVar(&mongoURI, "mongo-uri", "", "MongoDB connection URI (or MONGODB_URI env)")
	flag.StringVar(&database, "database", "kart", "MongoDB database name")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file, optionally gzip-compressed (.gz)")
	flag.StringVar(&jwtSecret, "jwt-secret", "", "print development tokens signed with this secret (or JWT_SECRET env)")
	flag.StringVar(&issuer, "issuer", "", "issuer claim for development tokens")
	flag.Parse()

	lg := zap.Must(zap.NewProduction())
	defer func() { _ = lg.Sync() }()

	if mongoURI == "" {
		mongoURI = os.Getenv("MONGODB_URI")
	}
	if mongoURI == "" {
		lg.Error("mongo URI is required: set --mongo-uri or MONGODB_URI")
		os.Exit(1)
	}
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}

	ctx, cancel := signal.NotifyContext(zctx.Base(context.Background(), lg), os.Interrupt)
	defer cancel()

	catalog, err := readCatalog(ctx, catalogFile)
	if err != nil {
		lg.Error("seed failed", zap.Error(err))
		os.Exit(1)
	}

	if err := run(ctx, mongoURI, database, catalog); err != nil {
		lg.Error("seed failed", zap.Error(err))
		os.Exit(1)
	}

	if jwtSecret != "" {
		if err := printTokens(ctx, catalog, handler.NewAuthenticator(jwtSecret, issuer)); err != nil {
			lg.Error("issue tokens failed", zap.Error(err))
			os.Exit(1)
		}
	}

	lg.Info("seed completed successfully")
}

func run(ctx context.Context, mongoURI, database string, catalog *catalogJSON) error {
	lg := zctx.From(ctx)
	lg.Info("connecting to mongo")

	db, err := mongodb.Connect(ctx, mongoURI, database)
	if err != nil {
		return errors.Wrap(err, "connect to mongo")
	}
	defer func() { _ = db.Client().Disconnect(context.WithoutCancel(ctx)) }()

	if err := mongodb.CreateIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "create indexes")
	}

	if err := seedModules(ctx, mongodb.NewModuleRepository(db), catalog); err != nil {
		return errors.Wrap(err, "seed modules")
	}
	if err := seedCarts(ctx, mongodb.NewCartRepository(db), catalog); err != nil {
		return errors.Wrap(err, "seed carts")
	}
	return nil
}

func readCatalog(ctx context.Context, path string) (*catalogJSON, error) {
	lg := zctx.From(ctx)
	lg.Info("reading catalog file", zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog file")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "create gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var catalog catalogJSON
	if err := json.NewDecoder(r).Decode(&catalog); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return &catalog, nil
}

func seedModules(ctx context.Context, repo *mongodb.ModuleRepository, catalog *catalogJSON) error {
	lg := zctx.From(ctx)
	modules, err := catalogModules(catalog)
	if err != nil {
		return err
	}

	lg.Info("upserting modules", zap.Int("count", len(modules)))

	return repo.Upsert(ctx, modules)
}

// catalogModules converts catalog entries, refusing prices that cannot be
// charged in minor units.
func catalogModules(catalog *catalogJSON) ([]cart.Module, error) {
	modules := make([]cart.Module, 0, len(catalog.Modules))
	for _, m := range catalog.Modules {
		if !order.ValidPrice(m.Price) {
			return nil, errors.Errorf("module %s: price %s has more than two decimal places", m.ID, m.Price)
		}
		modules = append(modules, cart.Module{ID: m.ID, Title: m.Title, Price: m.Price})
	}
	return modules, nil
}

func seedCarts(ctx context.Context, repo *mongodb.CartRepository, catalog *catalogJSON) error {
	lg := zctx.From(ctx)
	prices := make(map[string]decimal.Decimal, len(catalog.Modules))
	for _, m := range catalog.Modules {
		prices[m.ID] = m.Price
	}

	for _, c := range catalog.Carts {
		items := make([]cart.Item, 0, len(c.Items))
		for _, it := range c.Items {
			price, ok := prices[it.Module]
			if !ok {
				return errors.Errorf("cart of %s references unknown module %s", c.User, it.Module)
			}
			items = append(items, cart.Item{ModuleID: it.Module, Quantity: it.Quantity, Price: price})
		}

		if err := repo.Upsert(ctx, &cart.Cart{UserID: c.User, Items: items}); err != nil {
			return errors.Wrapf(err, "upsert cart of %s", c.User)
		}

		lg.Info("upserted cart", zap.String("user", c.User), zap.Int("items", len(items)))
	}
	return nil
}

// printTokens writes a day-long token for every cart owner plus an admin.
func printTokens(ctx context.Context, catalog *catalogJSON, authn *handler.Authenticator) error {
	lg := zctx.From(ctx)
	users := []auth.User{{ID: "admin", Name: "Admin", Email: "admin@kart.local", Role: auth.RoleAdmin}}
	for _, c := range catalog.Carts {
		users = append(users, auth.User{ID: c.User, Name: c.User, Email: c.User + "@kart.local", Role: auth.RoleUser})
	}

	for _, u := range users {
		token, err := authn.IssueToken(u, 24*time.Hour)
		if err != nil {
			return errors.Wrapf(err, "issue token for %s", u.ID)
		}
		lg.Info("development token", zap.String("user", u.ID), zap.String("role", u.Role), zap.String("token", token))
	}
	return nil
}
