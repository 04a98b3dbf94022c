package users

import "slices"

// Claims returns the OIDC standard claims released for the granted scopes.
func (u *User) Claims(scopes []string) map[string]any {
	claims := map[string]any{}
	if slices.Contains(scopes, "profile") {
		if name := fullName(u.FirstName, u.LastName); name != "" {
			claims["name"] = name
		}
		if u.FirstName != "" {
			claims["given_name"] = u.FirstName
		}
		if u.LastName != "" {
			claims["family_name"] = u.LastName
		}
		if u.Username != "" {
			claims["preferred_username"] = u.Username
		}
	}
	if slices.Contains(scopes, "email") && u.Email != "" {
		claims["email"] = u.Email
		claims["email_verified"] = u.Verified
	}
	return claims
}

func fullName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}
