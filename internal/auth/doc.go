// Package auth provides token authentication for clara-gateway.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. Each carries a
// subject and a role:
//
//   - adapter: the subject is a node ID. Presented in the register frame,
//     it allows only that node ID to register.
//   - admin: the subject names an operator. Accepted by the admin HTTP
//     API and, for convenience, by the register handshake for any node.
//
// Mint tokens with the gateway binary:
//
//	clara-gateway token --role adapter --subject discord-main
//
// # HTTP
//
// HTTPAuthMiddleware verifies the bearer token and stores an AuthContext
// in the request context. RequireAdminHTTP then gates on the admin role.
//
// When no jwt_secret is configured the gateway runs without
// authentication, which is only suitable for loopback or tailnet use.
package auth
