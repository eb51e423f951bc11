// Package types defines the wire-identity contracts shared by every message
// and service type on the bus, plus the integral Time and Duration values and
// their conversions to the standard library time types.
//
// Message and service types are normally emitted by code generation from
// interface definition files. The bus core never inspects message contents;
// it only consumes the identity triple (name, checksum, definition) to decide
// whether two endpoints on the same channel are wire-compatible.
package types

// Message is the contract every bus message type satisfies. The three values
// are fixed at generation time and must be constant for a given type.
//
// Two endpoints may interoperate on a channel only when their MD5Sum values
// are equal. TypeName is informational and is not a compatibility check.
type Message interface {
	// TypeName returns the canonical type name, e.g. "std_msgs/Bool".
	TypeName() string

	// MD5Sum returns the checksum of the recursively expanded definition.
	MD5Sum() string

	// Definition returns the canonical, recursively expanded field listing.
	Definition() string
}

// TypeIdentity is the identity triple carried across the backend boundary.
// Backends compare Checksum values when gating attachment to a channel.
type TypeIdentity struct {
	Name       string
	Checksum   string
	Definition string
}

// IdentityOf returns the TypeIdentity of a message type.
func IdentityOf[T Message]() TypeIdentity {
	var zero T
	return TypeIdentity{
		Name:       zero.TypeName(),
		Checksum:   zero.MD5Sum(),
		Definition: zero.Definition(),
	}
}

// ServiceType binds a service name and checksum to the identities of its
// request and response message types. Generated service definitions expose a
// package-level ServiceType value alongside the request/response structs.
type ServiceType struct {
	Name     string
	Checksum string
	Request  TypeIdentity
	Response TypeIdentity
}

// ServiceTypeOf assembles a ServiceType from its request and response
// message types.
func ServiceTypeOf[Req, Resp Message](name, checksum string) ServiceType {
	return ServiceType{
		Name:     name,
		Checksum: checksum,
		Request:  IdentityOf[Req](),
		Response: IdentityOf[Resp](),
	}
}
