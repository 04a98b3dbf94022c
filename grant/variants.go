package grant

import (
	"fmt"

	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// Type discriminates grant variants in storage.
type Type string

const (
	TypeAuthorizationCode     Type = "authorization_code"
	TypeImplicit              Type = "implicit"
	TypeClientCredentials     Type = "client_credentials"
	TypeResourceOwnerPassword Type = "password"
	TypeCIBA                  Type = "ciba"
	TypeDeviceCode            Type = "device_code"
	TypeTokenExchange         Type = "token_exchange"
	TypeJWTBearer             Type = "jwt_bearer"
)

// Variant is the grant-type specific payload. The set of variants is closed: only this package
// can implement it, so a type switch over Variant is exhaustive when it names every type below.
type Variant interface {
	Type() Type
	sealed()
}

// AuthorizationCode is a grant created at the authorization endpoint with response_type=code.
type AuthorizationCode struct {
	// Code is the unredeemed authorization code. nil once redeemed.
	Code *TokenRecord `json:"code,omitempty"`
	// OriginCode is the code this grant was issued for. It outlives redemption so a replayed
	// code can revoke every token issued from it.
	OriginCode          string                    `json:"origin_code"`
	RedirectURI         string                    `json:"redirect_uri"`
	CodeChallenge       string                    `json:"code_challenge,omitempty"`
	CodeChallengeMethod oauthmodel.CodeMethodType `json:"code_challenge_method,omitempty"`
	DPoPJkt             string                    `json:"dpop_jkt,omitempty"`
}

// Implicit is a grant whose tokens were returned straight from the authorization endpoint.
type Implicit struct{}

type ClientCredentials struct{}

type ResourceOwnerPassword struct{}

// CIBA is created when the user approves a backchannel authentication request.
type CIBA struct {
	AuthReqID       string `json:"auth_req_id"`
	TokensDelivered bool   `json:"tokens_delivered,omitempty"`
}

// DeviceCode is created when the user approves a device authorization request.
type DeviceCode struct {
	DeviceCode string `json:"device_code"`
}

type TokenExchange struct {
	SubjectTokenType oauthmodel.TokenTypeURI `json:"subject_token_type"`
	ActorTokenType   oauthmodel.TokenTypeURI `json:"actor_token_type,omitempty"`
}

type JWTBearer struct {
	Issuer string `json:"issuer"`
	JTI    string `json:"jti,omitempty"`
}

func (*AuthorizationCode) Type() Type     { return TypeAuthorizationCode }
func (*Implicit) Type() Type              { return TypeImplicit }
func (*ClientCredentials) Type() Type     { return TypeClientCredentials }
func (*ResourceOwnerPassword) Type() Type { return TypeResourceOwnerPassword }
func (*CIBA) Type() Type                  { return TypeCIBA }
func (*DeviceCode) Type() Type            { return TypeDeviceCode }
func (*TokenExchange) Type() Type         { return TypeTokenExchange }
func (*JWTBearer) Type() Type             { return TypeJWTBearer }

func (*AuthorizationCode) sealed()     {}
func (*Implicit) sealed()              {}
func (*ClientCredentials) sealed()     {}
func (*ResourceOwnerPassword) sealed() {}
func (*CIBA) sealed()                  {}
func (*DeviceCode) sealed()            {}
func (*TokenExchange) sealed()         {}
func (*JWTBearer) sealed()             {}

// VariantOf returns the grant's payload as T when the grant is of that variant.
func VariantOf[T Variant](g *Grant) (T, bool) {
	v, ok := g.Variant.(T)
	return v, ok
}

// newVariant returns an empty payload for t, used when decoding stored grants.
func newVariant(t Type) (Variant, error) {
	switch t {
	case TypeAuthorizationCode:
		return &AuthorizationCode{}, nil
	case TypeImplicit:
		return &Implicit{}, nil
	case TypeClientCredentials:
		return &ClientCredentials{}, nil
	case TypeResourceOwnerPassword:
		return &ResourceOwnerPassword{}, nil
	case TypeCIBA:
		return &CIBA{}, nil
	case TypeDeviceCode:
		return &DeviceCode{}, nil
	case TypeTokenExchange:
		return &TokenExchange{}, nil
	case TypeJWTBearer:
		return &JWTBearer{}, nil
	}
	return nil, fmt.Errorf("[grant.newVariant] unknown grant type %q", t)
}

func cloneVariant(v Variant) Variant {
	switch v := v.(type) {
	case nil:
		return nil
	case *AuthorizationCode:
		c := *v
		c.Code = v.Code.Clone()
		return &c
	case *Implicit:
		return &Implicit{}
	case *ClientCredentials:
		return &ClientCredentials{}
	case *ResourceOwnerPassword:
		return &ResourceOwnerPassword{}
	case *CIBA:
		c := *v
		return &c
	case *DeviceCode:
		c := *v
		return &c
	case *TokenExchange:
		c := *v
		return &c
	case *JWTBearer:
		c := *v
		return &c
	}
	panic(fmt.Sprintf("grant: unhandled variant %T", v))
}
