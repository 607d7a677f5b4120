package channel_test

import (
	"context"
	"testing"

	"github.com/uniboxhq/unibox/internal/channel"
)

const baseTestType = channel.ChannelType("base-test")

// baseMockAdapter implements only the base Adapter contract.
type baseMockAdapter struct{}

func (a *baseMockAdapter) Type() channel.ChannelType { return baseTestType }

func (a *baseMockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: baseTestType, DisplayName: "BaseTest"}
}

const senderTestType = channel.ChannelType("sender-test")

// senderMockAdapter also implements Sender.
type senderMockAdapter struct{}

func (a *senderMockAdapter) Type() channel.ChannelType { return senderTestType }

func (a *senderMockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:         senderTestType,
		DisplayName:  "SenderTest",
		Capabilities: channel.Capabilities{CanSend: true},
	}
}

func (a *senderMockAdapter) Send(ctx context.Context, integ channel.Integration, target string, content channel.OutboundContent) (string, error) {
	return "provider-msg-1", nil
}

func TestRegister_Duplicate(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})
	if err := reg.Register(&baseMockAdapter{}); err == nil {
		t.Fatal("Register(duplicate) = nil, want error")
	}
}

func TestRegister_Nil(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Fatal("Register(nil) = nil, want error")
	}
}

func TestGet_NormalizesType(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})
	adapter, ok := reg.Get(channel.ChannelType("  Base-Test "))
	if !ok || adapter == nil {
		t.Fatalf("Get(Base-Test) = (%v, %v), want (non-nil, true)", adapter, ok)
	}
}

func TestSender_Unsupported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})
	s, ok := reg.Sender(baseTestType)
	if ok || s != nil {
		t.Fatalf("Sender(base-test) = (%v, %v), want (nil, false)", s, ok)
	}
}

func TestSender_Supported(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&senderMockAdapter{})
	s, ok := reg.Sender(senderTestType)
	if !ok || s == nil {
		t.Fatalf("Sender(sender-test) = (%v, %v), want (non-nil, true)", s, ok)
	}
}

func TestParseChannelType(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&baseMockAdapter{})

	ct, err := reg.ParseChannelType("BASE-TEST")
	if err != nil {
		t.Fatalf("ParseChannelType(BASE-TEST) error: %v", err)
	}
	if ct != baseTestType {
		t.Fatalf("ParseChannelType(BASE-TEST) = %q, want %q", ct, baseTestType)
	}
	if _, err := reg.ParseChannelType("unknown"); err == nil {
		t.Fatal("ParseChannelType(unknown) = nil error, want error")
	}
}
