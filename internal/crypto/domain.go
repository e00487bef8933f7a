package crypto

// Domain-separation tags. Every hash and signature the kernel produces is
// bound to exactly one of these, so a digest computed for one purpose can
// never be replayed as if it were computed for another.
const (
	DomainRecord        = "pwk:record:v1"
	DomainAlarmRecord   = "pwk:alarm-record:v1"
	DomainEnvelopeAAD   = "pwk:envelope-aad:v2"
	DomainEnvelopeID    = "pwk:envelope-id:v1"
	DomainBGRequest     = "pwk:bg-request:v1"
	DomainBGApproval    = "pwk:bg-req"
	DomainBGRecord      = "pwk:bg-record:v1"
	DomainExportReceipt = "pwk:export-receipt:v1"
	DomainToken         = "pwk:token:v1"
)
