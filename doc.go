// Package oauth is the HTTP layer of an OAuth 2.0 authorization
// server with opaque, storage-resident tokens.
//
// The package wires the grant logic in the server package to HTTP:
// token, authorization, revocation and introspection endpoints plus
// the RFC 8414 metadata document, with pluggable storage backends
// (memory, postgres, redis) under the storage packages.
//
// A minimal setup:
//
//	store := memory.New(logger)
//	srv, _ := server.New(store, store, store, store, store, cfg.ServerConfig(), logger)
//	srv.RegisterGrant(server.NewAuthorizationCodeGrant(srv))
//	srv.RegisterGrant(server.NewRefreshTokenGrant(srv))
//	h := oauth.NewHandler(srv, sessionUser, logger)
//	http.ListenAndServe(cfg.ListenAddr, h.Router())
package oauth
