package oauth

// Endpoint paths served by Handler.RegisterRoutes.
const (
	PathAuthorize           = "/authorize"
	PathToken               = "/token"
	PathJWKS                = "/jwks"
	PathDeviceAuthorization = "/device_authorization"
	PathDevice              = "/device"
	PathRegister            = "/register"
	PathIntrospect          = "/introspect"
	PathRevoke              = "/revoke"
	PathPermission          = "/perm"
	PathResourceSet         = "/rs/resource_set"
	PathPolicies            = "/policies"

	PathOpenIDConfiguration = "/.well-known/openid-configuration"
	PathUMAConfiguration    = "/.well-known/uma2-configuration"
)

const tokenTypeBearer = "Bearer"
