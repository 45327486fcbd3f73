// Package storage provides the persisted entities and storage interfaces
// of the authorization server.
//
// The storage package defines the core storage interfaces used throughout the library:
//   - ClientStore: Manages registered OAuth clients
//   - TokenStore: Manages issued access/refresh token pairs
//   - CodeStore: Manages single-use authorization codes
//   - UserStore: Resolves resource owners
//   - RoleStore: Manages roles for scope resolution
//
// Entities carry their protocol invariants as methods (token expiry,
// refresh validity, client secret and redirect URI checks, the
// public-client invariant).
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/postgres: PostgreSQL storage with transactional writes
//   - storage/redis: Redis storage with native TTL-based expiry
package storage
