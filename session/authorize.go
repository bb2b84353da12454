package session

import (
	"fmt"

	"pharmatrace/stakeholder"
)

type Action string

const (
	ActionCreateBatch        Action = "batch.create"
	ActionReadBatch          Action = "batch.read"
	ActionListBatches        Action = "batch.list"
	ActionTransferBatch      Action = "batch.transfer"
	ActionMarkDelivered      Action = "batch.mark_delivered"
	ActionMarkVerified       Action = "batch.mark_verified"
	ActionReadStakeholder    Action = "stakeholder.read"
	ActionManageStakeholders Action = "stakeholder.manage"
)

// Resource carries the custody relation an action is checked against.
// Custodian is the current holder; Recipient is the designated receiver of an
// in-flight transfer, if any.
type Resource struct {
	Custodian string
	Recipient string
}

type scope int

const (
	scopeAny scope = iota + 1
	scopeCustodian
)

// permissions is the complete (role, action) table. Anything absent is denied.
var permissions = map[stakeholder.Role]map[Action]scope{
	stakeholder.RoleManufacturer: {
		ActionCreateBatch:     scopeAny,
		ActionReadBatch:       scopeAny,
		ActionListBatches:     scopeAny,
		ActionTransferBatch:   scopeCustodian,
		ActionReadStakeholder: scopeAny,
	},
	stakeholder.RoleDistributor: {
		ActionReadBatch:       scopeAny,
		ActionListBatches:     scopeAny,
		ActionTransferBatch:   scopeCustodian,
		ActionMarkDelivered:   scopeCustodian,
		ActionReadStakeholder: scopeAny,
	},
	stakeholder.RoleRetailer: {
		ActionReadBatch:       scopeAny,
		ActionListBatches:     scopeAny,
		ActionTransferBatch:   scopeCustodian,
		ActionMarkDelivered:   scopeCustodian,
		ActionMarkVerified:    scopeCustodian,
		ActionReadStakeholder: scopeAny,
	},
	stakeholder.RoleHealthcareProvider: {
		ActionReadBatch:       scopeAny,
		ActionListBatches:     scopeAny,
		ActionMarkDelivered:   scopeCustodian,
		ActionMarkVerified:    scopeCustodian,
		ActionReadStakeholder: scopeAny,
	},
	stakeholder.RoleRegulator: {
		ActionReadBatch:          scopeAny,
		ActionListBatches:        scopeAny,
		ActionMarkVerified:       scopeAny,
		ActionReadStakeholder:    scopeAny,
		ActionManageStakeholders: scopeAny,
	},
}

// ReasonNotCustodian is the ForbiddenError reason when the role may perform
// the action but the session does not hold the resource.
const ReasonNotCustodian = "not the custodian"

// ForbiddenError describes a denied authorization decision.
type ForbiddenError struct {
	Role   stakeholder.Role
	Action Action
	Reason string
}

func (e *ForbiddenError) Error() string {
	msg := fmt.Sprintf("session: role %s may not %s", e.Role, e.Action)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// Authorize decides whether s may perform action on res. It has no side
// effects and depends only on its arguments.
func Authorize(s Session, action Action, res Resource) error {
	sc, ok := permissions[s.Role][action]
	if !ok {
		return &ForbiddenError{Role: s.Role, Action: action}
	}
	if sc == scopeCustodian {
		if stakeholder.SameWallet(s.Subject, res.Custodian) || stakeholder.SameWallet(s.Subject, res.Recipient) {
			return nil
		}
		return &ForbiddenError{Role: s.Role, Action: action, Reason: ReasonNotCustodian}
	}
	return nil
}

// Authorize is a convenience for Authorize(s, action, res).
func (a *Authority) Authorize(s Session, action Action, res Resource) error {
	return Authorize(s, action, res)
}
