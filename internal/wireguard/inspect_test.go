package wireguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"anivpn/internal/execx/execxtest"
)

const sampleDump = "" +
	"wg0\t(priv)\t(pub)\t41414\toff\n" +
	"puba\t(none)\t203.0.113.9:51820\t0.0.0.0/0,::/0\t1700000000\t1024\t2048\t25\n" +
	"pubb\t(none)\t(none)\t10.7.0.3/32\t0\t0\t0\toff\n"

func TestParseWgDump(t *testing.T) {
	t.Parallel()

	got := ParseWgDump(sampleDump)
	want := []PeerState{
		{PublicKey: "puba", Endpoint: "203.0.113.9:51820", LastHandshake: time.Unix(1700000000, 0).UTC(), RxBytes: 1024, TxBytes: 2048},
		{PublicKey: "pubb"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseWgDump mismatch (-want +got):\n%s", diff)
	}
	if hs := latestHandshake(got); !hs.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("latest=%s", hs)
	}
}

func TestParseWgDump_InterfaceOnly(t *testing.T) {
	t.Parallel()

	if got := ParseWgDump("wg0\t(priv)\t(pub)\t41414\toff\n"); len(got) != 0 {
		t.Fatalf("peers=%d", len(got))
	}
}

func TestDumpInspector_MissingDevice(t *testing.T) {
	t.Parallel()

	f := execxtest.New()
	f.On("wg show wg0 dump", "", execxtest.Fail("Unable to access interface: No such device"))
	_, err := NewDumpInspector(f).Peers(context.Background(), "wg0")
	if !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("err=%v", err)
	}
}
