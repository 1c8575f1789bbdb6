package resolverpool

import "testing"

// TestDuplicateResolverRejection is property test 10: two resolver specs
// whose host:port normalize to the same dual-stack address must be
// rejected at startup.
func TestDuplicateResolverRejection(t *testing.T) {
	cases := [][]Spec{
		{{HostPort: "1.2.3.4:53"}, {HostPort: "1.2.3.4:53"}},
		{{HostPort: "1.2.3.4:53"}, {HostPort: "[::ffff:1.2.3.4]:53"}},
	}
	for _, specs := range cases {
		if err := ValidateUnique(specs); err == nil {
			t.Fatalf("expected duplicate rejection for %+v", specs)
		}
	}
}

func TestDistinctResolversAccepted(t *testing.T) {
	specs := []Spec{
		{HostPort: "1.2.3.4:53"},
		{HostPort: "1.2.3.4:54"},
		{HostPort: "5.6.7.8:53"},
	}
	if err := ValidateUnique(specs); err != nil {
		t.Fatalf("expected distinct resolvers to be accepted, got %v", err)
	}
}

func TestNormalizedKeyRejectsBadAddress(t *testing.T) {
	if _, err := NormalizedKey("not-an-address"); err == nil {
		t.Fatal("expected error for malformed resolver address")
	}
}
