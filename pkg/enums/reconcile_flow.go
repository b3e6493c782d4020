package enums

// ReconcileFlow names the entry point that produced a subscription snapshot.
type ReconcileFlow string

const (
	ReconcileFlowWebhook  ReconcileFlow = "webhook"
	ReconcileFlowRedirect ReconcileFlow = "redirect"
	ReconcileFlowResync   ReconcileFlow = "resync"
	ReconcileFlowReplay   ReconcileFlow = "replay"
)

// String implements fmt.Stringer.
func (f ReconcileFlow) String() string {
	return string(f)
}
