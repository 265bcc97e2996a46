package engine

import (
	"context"
	"time"

	"github.com/aetherlink/aetherlink/pkg/candidate"
	"github.com/aetherlink/aetherlink/pkg/transporthost"
)

// dhtAdapter narrows a transporthost.Host down to the candidate.DHTClient
// surface the resolver needs, translating between the two packages'
// otherwise-identical PeerRecord types so neither package has to import
// the other.
type dhtAdapter struct {
	host transporthost.Host
}

func (d *dhtAdapter) LookupDHT(ctx context.Context, deviceCode string) (<-chan candidate.PeerRecord, error) {
	in, err := d.host.LookupDHT(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	out := make(chan candidate.PeerRecord)
	go func() {
		defer close(out)
		for rec := range in {
			select {
			case out <- candidate.PeerRecord{PeerID: rec.PeerID, Addrs: rec.Addrs}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *dhtAdapter) PublishDHTRecord(ctx context.Context, deviceCode string, record candidate.PeerRecord, ttl time.Duration) error {
	return d.host.PublishDHTRecord(ctx, deviceCode, transporthost.PeerRecord{PeerID: record.PeerID, Addrs: record.Addrs}, ttl)
}
