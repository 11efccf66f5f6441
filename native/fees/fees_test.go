package fees

import (
	"math/big"
	"testing"
)

func TestAddedFeeRoundsDown(t *testing.T) {
	sched := Schedule{BaseFee: big.NewInt(10), CommissionBps: 123}
	fee := sched.AddedFee(big.NewInt(1000))
	if fee.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("added fee = %s, want 12", fee)
	}
	if got := sched.AddedFee(big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("zero amount produced fee %s", got)
	}
	if got := sched.AddedFee(nil); got.Sign() != 0 {
		t.Fatalf("nil amount produced fee %s", got)
	}
}

func TestRequiredDeposit(t *testing.T) {
	sched := Schedule{BaseFee: big.NewInt(10), CommissionBps: 123}
	required := sched.RequiredDeposit(big.NewInt(1000), big.NewInt(50))
	if required.Cmp(big.NewInt(1072)) != 0 {
		t.Fatalf("required deposit = %s, want 1072", required)
	}

	noFees := Schedule{}
	required = noFees.RequiredDeposit(big.NewInt(1000), nil)
	if required.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("required deposit without fees = %s, want 1000", required)
	}
}

func TestProtocolCut(t *testing.T) {
	sched := Schedule{BaseFee: big.NewInt(10), CommissionBps: 123}
	cut := sched.ProtocolCut(big.NewInt(1000))
	if cut.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("protocol cut = %s, want 22", cut)
	}
}

func TestScheduleValid(t *testing.T) {
	cases := []struct {
		name  string
		sched Schedule
		want  bool
	}{
		{"zero", Schedule{}, true},
		{"typical", Schedule{BaseFee: big.NewInt(10), CommissionBps: 250}, true},
		{"max bps", Schedule{CommissionBps: 10_000}, false},
		{"above max", Schedule{CommissionBps: 12_000}, false},
		{"negative base", Schedule{BaseFee: big.NewInt(-1)}, false},
	}
	for _, tc := range cases {
		if got := tc.sched.Valid(); got != tc.want {
			t.Fatalf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCloneDetachesBaseFee(t *testing.T) {
	base := big.NewInt(10)
	sched := Schedule{BaseFee: base, CommissionBps: 5}
	clone := sched.Clone()
	clone.BaseFee.SetInt64(99)
	if base.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("clone aliases original base fee: %s", base)
	}
}
