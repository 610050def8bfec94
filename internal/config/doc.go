// Package config loads and validates the omni-gateway configuration.
//
// # File Format
//
// YAML by default, TOML when the file name ends in .toml:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health service
//
//	database:
//	  path: "~/.local/share/omni/gateway.db"   # default ":memory:"
//
//	auth:
//	  jwt_secret: "${OMNI_JWT_SECRET}"   # at least 32 bytes
//	  operator_token_ttl: "1h"
//	  operators:
//	    - id: "op1"
//	      email: "ops@example.com"
//	      password_hash: "$2a$10$..."   # bcrypt, optional
//	      roles: ["operator", "admin"]
//
//	agents:
//	  command_timeout: "15s"
//	  write_timeout: "5s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "omni-gateway"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text or json
//
// # Environment Variables
//
// ${VAR_NAME} anywhere in the file is replaced with the value of the
// environment variable, or the empty string when unset. A bcrypt hash
// containing "$2a$" is left alone because it has no braces.
//
// # Location
//
// DefaultPath resolves OMNI_CONFIG, then $XDG_CONFIG_HOME/omni/gateway.yaml,
// then ~/.config/omni/gateway.yaml.
package config
