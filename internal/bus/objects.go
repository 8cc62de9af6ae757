package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// audioObjectTTL bounds how long offloaded audio waits for its requester.
const audioObjectTTL = 10 * time.Minute

// AudioObjects creates the bucket used to hand large audio between gateways,
// or binds to it when it already exists.
func (c *Client) AudioObjects(bucket string) (nats.ObjectStore, error) {
	store, err := c.js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Synthesized audio awaiting pickup",
		TTL:         audioObjectTTL,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err == nil {
		return store, nil
	}
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		store, err = c.js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
}
