package contract

// RejectionKind enumerates the reasons a candidate event can fail the
// contract enforcer.
type RejectionKind string

const (
	ExtraFields       RejectionKind = "ExtraFields"
	UnknownEventType  RejectionKind = "UnknownEventType"
	InvalidTimeBucket RejectionKind = "InvalidTimeBucket"
	InvalidZoneID     RejectionKind = "InvalidZoneID"
	InvalidConfidence RejectionKind = "InvalidConfidence"
	MissingField      RejectionKind = "MissingField"
)

// Rejection describes why a candidate was refused. It is never appended to
// the main Sealed Log, only to the Conformance Alarm Table.
type Rejection struct {
	Kind   RejectionKind
	Detail string
}

func (r *Rejection) Error() string {
	if r == nil {
		return "<nil>"
	}
	if r.Detail == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Detail
}

func reject(kind RejectionKind, detail string) *Rejection {
	return &Rejection{Kind: kind, Detail: detail}
}
