package cachestatus

import "testing"

func TestString(t *testing.T) {
	var cs CacheStatus
	cs.Forward(FwdUriMiss)
	cs.Stored = true
	if s := cs.String(); s != "Offline-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Status is %s", s)
	}

	cs = CacheStatus{}
	cs.Hit()
	cs.Detail = "offline"
	if s := cs.String(); s != "Offline-Cache; hit; detail=offline" {
		t.Fatalf("Status is %s", s)
	}
}
