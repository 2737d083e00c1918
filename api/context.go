package api

import (
	"errors"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// ServerContext bundles the collaborators an enrollment front end needs: the
// CA engine, the authorization policy it was built with, and the store
// behind it. The authorizer is always the CA's own, so the context cannot
// report a policy other than the one enforced. It is immutable once built
// and carries no behaviour of its own.
type ServerContext struct {
	ca         *pki.CA
	authorizer pki.Authorizer
	store      storage.Store
}

// NewServerContext validates and bundles the collaborators. store must be
// the store ca was built over.
func NewServerContext(ca *pki.CA, store storage.Store) (ServerContext, error) {
	switch {
	case ca == nil:
		return ServerContext{}, errors.New("server context: CA is required")
	case store == nil:
		return ServerContext{}, errors.New("server context: store is required")
	}
	return ServerContext{ca: ca, authorizer: ca.Authorizer(), store: store}, nil
}

func (c ServerContext) CA() *pki.CA { return c.ca }
func (c ServerContext) Authorizer() pki.Authorizer { return c.authorizer }
func (c ServerContext) Store() storage.Store { return c.store }
