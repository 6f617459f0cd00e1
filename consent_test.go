package conform

import "testing"

func TestConsentStrategies(t *testing.T) {
	reasons := []string{"rewrites all track titles"}
	if !AutoConsent(reasons) {
		t.Errorf("AutoConsent declined")
	}
	if DeclineConsent(reasons) {
		t.Errorf("DeclineConsent accepted")
	}
}
