package host

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	"github.com/go-rod/rod/lib/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/faults"
)

func TestOpen_SelectsBackend(t *testing.T) {
	b, err := Open(context.Background(), Options{Targets: map[string]string{"beta": "", "alpha": ""}})
	require.NoError(t, err)
	assert.IsType(t, &DryRunBackend{}, b)
	assert.Equal(t, []string{"alpha", "beta"}, b.Targets())

	_, err = Open(context.Background(), Options{Backend: "vnc"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Backend: Rod})
	assert.Error(t, err, "rod needs a control url")
}

func TestDryRun_RecordsInputs(t *testing.T) {
	d := NewDryRun(nil, "alpha")
	ctx := context.Background()
	require.NoError(t, d.Press(ctx, "alpha", "f1"))
	require.NoError(t, d.Type(ctx, "alpha", "hello"))
	require.NoError(t, d.Click(ctx, "alpha", 10, 20))

	in := d.Inputs()
	require.Len(t, in, 3)
	assert.Equal(t, "press", in[0].Op)
	assert.Equal(t, "hello", in[1].Value)
	assert.Equal(t, "10,20", in[2].Value)
}

func TestDryRun_HonoursCancelledContext(t *testing.T) {
	d := NewDryRun(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Press(ctx, "alpha", "a"), context.Canceled)
	assert.Empty(t, d.Inputs())
}

func TestDryRun_CaptureIsPNG(t *testing.T) {
	d := NewDryRun(nil)
	img, err := d.Capture(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", img.Source)
	cfg, err := png.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, img.Width, cfg.Width)
}

func TestDryRun_Read(t *testing.T) {
	d := NewDryRun(nil)
	d.SetRead("alpha", "#hp", "120")
	v, err := d.Read(context.Background(), "alpha", "#hp")
	require.NoError(t, err)
	assert.Equal(t, "120", v)
}

func TestKeyFor(t *testing.T) {
	k, err := keyFor("Enter")
	require.NoError(t, err)
	assert.Equal(t, input.Enter, k)

	k, err = keyFor("a")
	require.NoError(t, err)
	assert.Equal(t, input.Key('a'), k)

	_, err = keyFor("hyper")
	assert.True(t, faults.Is(err, faults.ContractViolation))
}
