package users

import "github.com/odyssey-erp/odyssey-iam/internal/shared"

// guardCreate applies the insert rules. Only superadmins create superadmins.
func guardCreate(actor shared.Actor, next *User) error {
	if actor.System {
		return nil
	}
	if next.Superadmin && !actor.Superadmin {
		return ErrRejected
	}
	next.RegistrationIP = actor.IP
	return nil
}

// guardUpdate applies the update rules to next, the record about to replace
// stored. Actors editing themselves stay active, and a superadmin editing
// themself keeps the flag.
func guardUpdate(actor shared.Actor, stored User, next *User) error {
	if actor.System {
		return nil
	}
	if actor.IsSelf(stored.ID) {
		next.Status = StatusActive
		if actor.Superadmin && !next.Superadmin {
			next.Superadmin = true
		}
	}
	if !actor.Superadmin && (stored.Superadmin || next.Superadmin) {
		return ErrRejected
	}
	return nil
}

// guardDelete rejects deleting yourself and a non-superadmin deleting a
// superadmin.
func guardDelete(actor shared.Actor, stored User) error {
	if actor.System {
		return nil
	}
	if actor.IsSelf(stored.ID) {
		return ErrRejected
	}
	if !actor.Superadmin && stored.Superadmin {
		return ErrRejected
	}
	return nil
}
