package models

type DistributionType string

const (
	DistributionTypeEndowment            DistributionType = "endowment"
	DistributionTypeStatutoryInheritance DistributionType = "statutory_inheritance"
	DistributionTypeGift                 DistributionType = "gift"
	DistributionTypeWill                 DistributionType = "will"
)

func (t DistributionType) IsValid() bool {
	switch t {
	case DistributionTypeEndowment, DistributionTypeStatutoryInheritance, DistributionTypeGift, DistributionTypeWill:
		return true
	}
	return false
}

// DistributionStatus is the aggregate over a distribution's agreements.
type DistributionStatus string

const (
	DistributionStatusPending      DistributionStatus = "pending"
	DistributionStatusInProgress   DistributionStatus = "in_progress"
	DistributionStatusPendingAdmin DistributionStatus = "pending_admin"
	DistributionStatusCompleted    DistributionStatus = "completed"
	DistributionStatusRejected     DistributionStatus = "rejected"
)

func (s DistributionStatus) IsValid() bool {
	switch s {
	case DistributionStatusPending, DistributionStatusInProgress, DistributionStatusPendingAdmin,
		DistributionStatusCompleted, DistributionStatusRejected:
		return true
	}
	return false
}

func (s DistributionStatus) IsTerminal() bool {
	return s == DistributionStatusCompleted || s == DistributionStatusRejected
}

type AgreementStatus string

const (
	AgreementStatusPending      AgreementStatus = "pending"
	AgreementStatusSigned       AgreementStatus = "signed"
	AgreementStatusRejected     AgreementStatus = "rejected"
	AgreementStatusPendingAdmin AgreementStatus = "pending_admin"
	AgreementStatusCompleted    AgreementStatus = "completed"
)

// HasSigned reports whether the signer has acted (and not rejected).
func (s AgreementStatus) HasSigned() bool {
	return s == AgreementStatusSigned || s == AgreementStatusPendingAdmin || s == AgreementStatusCompleted
}

type AgreementRole string

const (
	AgreementRoleOwner       AgreementRole = "owner"
	AgreementRoleBeneficiary AgreementRole = "beneficiary"
	AgreementRoleHeir        AgreementRole = "heir"
)

type NotificationKind string

const (
	NotificationKindSigningRequested      NotificationKind = "signing_requested"
	NotificationKindAgreementSigned       NotificationKind = "agreement_signed"
	NotificationKindAgreementRejected     NotificationKind = "agreement_rejected"
	NotificationKindDistributionCompleted NotificationKind = "distribution_completed"
)

// Notification outbox statuses. Kept as strings (DB values).
const (
	NotificationStatusPending    = "PENDING"
	NotificationStatusProcessing = "PROCESSING"
	NotificationStatusSent       = "SENT"
	NotificationStatusFailed     = "FAILED"
	NotificationStatusDead       = "DEAD"
)
