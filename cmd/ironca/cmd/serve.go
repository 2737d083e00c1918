package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/pki"
)

const limiterSweepInterval = 5 * time.Minute

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the enrollment API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := c.openCA(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			proxies, err := parsePrefixes(c.v.GetStringSlice("trusted-proxies"))
			if err != nil {
				return err
			}
			sc, err := api.NewServerContext(sess.ca, sess.store)
			if err != nil {
				return err
			}
			a := api.New(sc,
				api.WithLogger(c.logger),
				api.WithTrustedProxies(proxies),
				api.WithMaxRequestBytes(c.v.GetInt64("max-request-bytes")),
				api.WithAlertFunc(func(e api.AlertEvent) {
					c.logger.Warn("security alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold, "message", e.Message)
				}),
			)

			r := chi.NewRouter()
			r.Use(middleware.Logger)
			r.Use(middleware.Recoverer)
			r.Get("/health", a.Health)
			r.Mount("/api/v1", a.Router())

			server := &http.Server{
				Addr:              c.v.GetString("addr"),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			plain := c.v.GetBool("plain-http")
			if !plain {
				tlsConfig, err := c.serverTLSConfig(cmd.Context(), sess.ca)
				if err != nil {
					return err
				}
				server.TLSConfig = tlsConfig
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.SweepLoop(ctx, limiterSweepInterval)

			// Graceful shutdown on SIGINT/SIGTERM.
			done := make(chan error, 1)
			go func() {
				var err error
				if plain {
					err = server.ListenAndServe()
				} else {
					err = server.ListenAndServeTLS("", "")
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					done <- fmt.Errorf("server failed: %w", err)
					return
				}
				done <- nil
			}()

			printBanner(cmd.OutOrStdout())
			c.logger.Info("starting server", "addr", server.Addr, "storage", c.v.GetString("storage"), "tls", !plain)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case sig := <-quit:
				c.logger.Info("shutting down", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		},
	}

	flags := cmd.Flags()
	c.flagString(flags, "addr", ":8443", "Address to listen on")
	c.flagString(flags, "tls-cert", "", "Path to TLS certificate file")
	c.flagString(flags, "tls-key", "", "Path to TLS key file")
	c.flagString(flags, "tls-hostname", "localhost", "Comma separated host names or IPs for the serving certificate issued when no TLS files are given")
	c.flagBool(flags, "plain-http", false, "Serve plain HTTP behind a TLS-terminating proxy")
	flags.StringSlice("trusted-proxies", nil, "CIDRs whose forwarding headers are trusted for rate limiting")
	c.bind(flags, "trusted-proxies")
	flags.Int64("max-request-bytes", 64<<10, "Maximum size of an enrollment request body")
	c.bind(flags, "max-request-bytes")
	return cmd
}

// serverTLSConfig loads the configured key pair. Without one, the CA issues
// itself a server certificate for tls-hostname.
func (c *cli) serverTLSConfig(ctx context.Context, ca *pki.CA) (*tls.Config, error) {
	certFile, keyFile := c.v.GetString("tls-cert"), c.v.GetString("tls-key")
	var cert tls.Certificate
	var err error
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = issueServingCertificate(ctx, ca, strings.Split(c.v.GetString("tls-hostname"), ","))
		if err != nil {
			return nil, fmt.Errorf("failed to issue serving certificate: %w", err)
		}
		c.logger.Info("using CA-issued runtime certificate for TLS", "serial", cert.Leaf.SerialNumber.String())
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func issueServingCertificate(ctx context.Context, ca *pki.CA, hosts []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := ca.IssueServingCertificate(ctx, key.Public(), hosts...)
	if err != nil {
		return tls.Certificate{}, err
	}
	caCert, err := ca.CACertificate()
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw, caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
