package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
)

const dbFileName = "ironca.db"

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// caConfig assembles the engine configuration from flags, environment and
// config file.
func (c *cli) caConfig() (pki.Config, error) {
	alg, err := pki.ParseKeyAlgorithm(c.v.GetString("key-algorithm"))
	if err != nil {
		return pki.Config{}, err
	}
	bits := c.v.GetInt("key-bits")
	if bits == 0 {
		bits = 2048
		if alg == pki.KeyAlgorithmEC {
			bits = 256
		}
	}
	return pki.Config{
		KeyAlgorithm:       alg,
		KeyBits:            bits,
		ValidityDays:       c.v.GetInt("validity-days"),
		KeyStorePassword:   c.v.GetString("password"),
		Issuer:             c.v.GetString("issuer"),
		SignatureAlgorithm: c.v.GetString("signature-algorithm"),
	}, nil
}

func (c *cli) authorizer() pki.Authorizer {
	if secret := c.v.GetString("challenge-password"); secret != "" {
		return pki.NewChallengePasswordAuthorizer(secret)
	}
	return pki.AllowAll()
}

// openStore opens the configured backend. The returned func releases it.
func (c *cli) openStore(ctx context.Context) (storage.Store, func(), error) {
	switch backend := strings.ToLower(c.v.GetString("storage")); backend {
	case "bbolt":
		dir := c.v.GetString("data-dir")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(filepath.Join(dir, dbFileName), &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open CA storage: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		dsn := c.v.GetString("postgres-dsn")
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres storage requires --postgres-dsn")
		}
		s, err := postgres.NewStoreFromDSN(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open CA storage: %w", err)
		}
		return s, s.Close, nil
	case "memory":
		c.logger.Warn("using in-memory storage; the CA and its certificates are lost on exit")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// caSession is an initialized CA over an open store.
type caSession struct {
	ca      *pki.CA
	store   storage.Store
	release func()
}

func (s *caSession) Close() {
	s.ca.Destroy()
	s.release()
}

// openCA opens the store and creates or loads the CA identity in it.
func (c *cli) openCA(ctx context.Context) (*caSession, error) {
	cfg, err := c.caConfig()
	if err != nil {
		return nil, err
	}
	kdf, err := pki.KDFProfile(c.v.GetString("kdf-profile"))
	if err != nil {
		return nil, err
	}

	store, release, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	ca, err := pki.New(store, cfg,
		pki.WithAuthorizer(c.authorizer()),
		pki.WithKDFParams(kdf),
		pki.WithLogger(c.logger),
	)
	if err != nil {
		release()
		return nil, err
	}
	if err := ca.Initialize(ctx); err != nil {
		release()
		return nil, err
	}
	return &caSession{ca: ca, store: store, release: release}, nil
}
