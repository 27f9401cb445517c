package runtime

import (
	"sync/atomic"
	"testing"
)

func TestIsTsxReady_TrueWhenAvailableAtStartup(t *testing.T) {
	info := NodeRuntimeInfo{TsxAvailable: true}
	if !info.IsTsxReady() {
		t.Fatal("expected ready when TsxAvailable is true")
	}
}

func TestIsTsxReady_FollowsBackgroundInstallFlag(t *testing.T) {
	ready := &atomic.Bool{}
	info := NodeRuntimeInfo{TsxReady: ready}
	if info.IsTsxReady() {
		t.Fatal("expected not ready before install completes")
	}
	ready.Store(true)
	if !info.IsTsxReady() {
		t.Fatal("expected ready once install completes")
	}
}

func TestIsTsxReady_FalseWhenNeitherAvailableNorInstalling(t *testing.T) {
	if (&NodeRuntimeInfo{}).IsTsxReady() {
		t.Fatal("expected not ready with no node and no tsx")
	}
}

func TestStatusString_ReflectsEachState(t *testing.T) {
	cases := []struct {
		name string
		info NodeRuntimeInfo
		want string
	}{
		{"neither", NodeRuntimeInfo{}, "node: unavailable, tsx: unavailable"},
		{"both", NodeRuntimeInfo{NodeAvailable: true, TsxAvailable: true}, "node: available, tsx: available"},
	}
	for _, c := range cases {
		if got := c.info.StatusString(); got != c.want {
			t.Errorf("%s: StatusString() = %q, want %q", c.name, got, c.want)
		}
	}
}
