package auth

import "strings"

// User is the part of a stored account needed to log in.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	Superadmin   bool
	BindToIP     string
}

// AllowedIPs splits the bind_to_ip list. Empty means any address.
func (u User) AllowedIPs() []string {
	var out []string
	for _, part := range strings.Split(u.BindToIP, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
