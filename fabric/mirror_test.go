package fabric

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// TestFabricMirrorLoopbackDeliversGrain exercises a FabricTarget and
// FabricInitiator end-to-end over the tcp provider's loopback transport: a
// grain written into the initiator's local RegionGroup lands, byte for
// byte, in the target's RegionGroup once TransferGrain completes.
func TestFabricMirrorLoopbackDeliversGrain(t *testing.T) {
	sourceWriter := newDiscreteWriter(t)
	defer sourceWriter.Close()
	targetWriter := newDiscreteWriter(t)
	defer targetWriter.Close()

	sourceGroup := DiscreteRegionGroup(sourceWriter.Discrete())
	targetGroup := DiscreteRegionGroup(targetWriter.Discrete())

	target := NewFabricTarget(ProviderTCP)
	info, err := target.Setup(TargetConfig{Node: "127.0.0.1", Service: "0"}, targetGroup)
	if err != nil {
		t.Fatalf("target.Setup: %v", err)
	}
	defer target.Close()

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- target.Accept() }()

	initiator := NewFabricInitiator(ProviderTCP)
	if err := initiator.Setup(sourceGroup); err != nil {
		t.Fatalf("initiator.Setup: %v", err)
	}
	defer initiator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := initiator.AddTarget(ctx, info); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	select {
	case err := <-acceptDone:
		if err != nil {
			t.Fatalf("target.Accept: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("target never accepted a connection")
	}

	connected := false
	for i := 0; i < 50 && !connected; i++ {
		if err := initiator.MakeProgress(ctx, false, 0); err == nil {
			connected = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !connected {
		t.Fatalf("initiator never observed the target as connected")
	}

	payload := bytes.Repeat([]byte{0xAB}, len(sourceGroup[0].Bytes()))
	copy(sourceGroup[0].Bytes(), payload)

	if err := initiator.TransferGrain(ctx, 0, 42); err != nil {
		t.Fatalf("TransferGrain: %v", err)
	}

	grainIndex, err := target.WaitForNewGrain(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForNewGrain: %v", err)
	}
	if grainIndex != 42 {
		t.Errorf("WaitForNewGrain() = %d, want 42", grainIndex)
	}
	if !bytes.Equal(targetGroup[0].Bytes(), sourceGroup[0].Bytes()) {
		t.Errorf("target region bytes do not match the transferred source region")
	}
}
