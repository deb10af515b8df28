package envelope

import "testing"

func TestValidSenderCategories(t *testing.T) {
	tests := []struct {
		peer     PeerType
		wantCat  Category
		wantOK   bool
	}{
		{HydraClient, ClientCategory, true},
		{SimpleClient, ClientCategory, true},
		{HydraServer, ServerCategory, true},
		{SimpleServer, ServerCategory, true},
		{HydraRouter, 0, false},
		{PeerType("BogusPeer"), 0, false},
	}
	for _, tt := range tests {
		cat, ok := ValidSender(tt.peer)
		if ok != tt.wantOK {
			t.Errorf("ValidSender(%q) ok = %v, want %v", tt.peer, ok, tt.wantOK)
			continue
		}
		if ok && cat != tt.wantCat {
			t.Errorf("ValidSender(%q) category = %v, want %v", tt.peer, cat, tt.wantCat)
		}
	}
}

func TestHydraRouterNeverValidInboundSender(t *testing.T) {
	if _, ok := ValidSender(HydraRouter); ok {
		t.Fatalf("HydraRouter must never be a valid inbound sender")
	}
}
