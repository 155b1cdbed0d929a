package privilege

import "testing"

func TestHasEffective(t *testing.T) {
	set := []string{"CAP_DAC_OVERRIDE", "CAP_NET_ADMIN"}

	if !HasEffective(set, "CAP_DAC_OVERRIDE") {
		t.Error("expected CAP_DAC_OVERRIDE to be reported present")
	}
	if HasEffective(set, "CAP_SYS_ADMIN") {
		t.Error("did not expect CAP_SYS_ADMIN to be reported present")
	}
	if HasEffective(nil, "CAP_DAC_OVERRIDE") {
		t.Error("empty capability set should never report a capability present")
	}
}

func TestCurrentProcessHasRejectsUnknownCapability(t *testing.T) {
	if _, err := CurrentProcessHas("CAP_NOT_A_REAL_CAP"); err == nil {
		t.Error("expected an error for an unrecognized capability name")
	}
}
