package session

import (
	"errors"
	"testing"

	"pharmatrace/stakeholder"
)

func TestAuthorize(t *testing.T) {
	const (
		holder = "0x1111111111111111111111111111111111111111"
		other  = "0x2222222222222222222222222222222222222222"
	)
	custody := Resource{Custodian: holder}

	cases := []struct {
		name    string
		role    stakeholder.Role
		subject string
		action  Action
		res     Resource
		allowed bool
	}{
		{"manufacturer mints", stakeholder.RoleManufacturer, holder, ActionCreateBatch, Resource{}, true},
		{"distributor cannot mint", stakeholder.RoleDistributor, holder, ActionCreateBatch, Resource{}, false},
		{"regulator cannot mint", stakeholder.RoleRegulator, holder, ActionCreateBatch, Resource{}, false},
		{"custodian transfers", stakeholder.RoleManufacturer, holder, ActionTransferBatch, custody, true},
		{"non custodian cannot transfer", stakeholder.RoleManufacturer, other, ActionTransferBatch, custody, false},
		{"healthcare provider cannot transfer", stakeholder.RoleHealthcareProvider, holder, ActionTransferBatch, custody, false},
		{"distributor delivers held batch", stakeholder.RoleDistributor, holder, ActionMarkDelivered, custody, true},
		{"recipient accepts transfer", stakeholder.RoleRetailer, other, ActionMarkDelivered, Resource{Custodian: holder, Recipient: other}, true},
		{"manufacturer cannot deliver", stakeholder.RoleManufacturer, holder, ActionMarkDelivered, custody, false},
		{"regulator reads anything", stakeholder.RoleRegulator, other, ActionReadBatch, custody, true},
		{"regulator verifies any batch", stakeholder.RoleRegulator, other, ActionMarkVerified, custody, true},
		{"distributor cannot verify", stakeholder.RoleDistributor, holder, ActionMarkVerified, custody, false},
		{"only regulator manages stakeholders", stakeholder.RoleManufacturer, holder, ActionManageStakeholders, Resource{}, false},
		{"unknown role denied", stakeholder.Role("ADMIN"), holder, ActionReadBatch, custody, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(Session{Subject: tc.subject, Role: tc.role}, tc.action, tc.res)
			if tc.allowed && err != nil {
				t.Fatalf("expected allowed, got %v", err)
			}
			if !tc.allowed {
				if !errors.Is(err, ErrForbidden) {
					t.Fatalf("expected ErrForbidden, got %v", err)
				}
				var fe *ForbiddenError
				if !errors.As(err, &fe) || fe.Action != tc.action {
					t.Fatalf("expected ForbiddenError for %s, got %v", tc.action, err)
				}
			}
		})
	}
}
