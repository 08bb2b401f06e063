package scanner_test

import (
	"context"
	"encoding/json"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/internal/p11test"
	"github.com/effective-security/p11scan/inventory"
	"github.com/effective-security/p11scan/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	mod := p11test.New(
		p11test.HardwareSlot(1, sigToken(t, "alpha")),
		p11test.SoftSlot(2, p11test.NewToken("beta", "0002")),
		p11test.HardwareSlot(3, p11test.NewToken("gamma", "0003")),
	)

	tree, err := scanner.NewBasic(mod).ScanTree(context.Background(), "")
	require.NoError(t, err)

	res := scanner.NewResult(tree)
	assert.True(t, res.HasData())
	assert.Equal(t, 3, res.Len())
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, slices.Collect(res.TokenLabels()))
	assert.Equal(t, []string{"alpha", "gamma"}, slices.Collect(res.HardwareTokenLabels()))
	// sequences can be consumed again
	assert.Equal(t, []string{"alpha", "gamma"}, slices.Collect(res.HardwareTokenLabels()))

	for label := range res.TokenLabels() {
		if label == "alpha" {
			break
		}
	}

	assert.True(t, res.HasToken("beta"))
	assert.False(t, res.HasToken("delta"))

	token, err := res.Token("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", token[inventory.FieldLabel])
	token[inventory.FieldLabel] = "changed"
	delete(token, inventory.FieldMechanisms)

	again, err := res.Token("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", again[inventory.FieldLabel])
	assert.Contains(t, again, inventory.FieldMechanisms)

	_, err = res.Token("delta")
	assert.True(t, errors.Is(err, scanner.ErrTokenNotFound))

	cp := res.Tree()
	cp[inventory.FieldSlots] = []any{}
	assert.Equal(t, 3, res.Len())

	js, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"label":"gamma"`)
}

func TestResult_Card(t *testing.T) {
	mod := p11test.New(
		p11test.HardwareSlot(1, p11test.NewToken("alpha", "0001")),
		p11test.SoftSlot(2, p11test.NewToken("beta", "0002")),
	)
	tree, err := scanner.NewCard(mod, scanner.Options{}).ScanTree(context.Background(), "")
	require.NoError(t, err)

	res := scanner.NewResult(tree)
	assert.Equal(t, []string{"alpha"}, slices.Collect(res.HardwareTokenLabels()))
}

func TestResult_Empty(t *testing.T) {
	res := scanner.NewResult(nil)
	assert.False(t, res.HasData())
	assert.Equal(t, 0, res.Len())
	assert.Empty(t, slices.Collect(res.TokenLabels()))
	assert.False(t, res.HasToken(""))

	mod := p11test.New(p11test.SoftSlot(1, nil))
	tree, err := scanner.NewBasic(mod).ScanTree(context.Background(), "")
	require.NoError(t, err)
	res = scanner.NewResult(tree)
	assert.False(t, res.HasData())
	assert.Equal(t, "Test PKCS#11 Library", res.Tree()["libraryDescription"])
}

func TestResult_Unlabeled(t *testing.T) {
	tree := inventory.Tree{
		inventory.FieldSlots: []any{
			inventory.Tree{
				"slotID":             uint(1),
				inventory.FieldToken: inventory.Tree{"model": "Model T"},
			},
			inventory.Tree{
				"slotID":             uint(2),
				inventory.FieldToken: inventory.Tree{inventory.FieldLabel: "beta"},
			},
		},
	}

	res := scanner.NewResult(tree)
	assert.Equal(t, []string{"beta"}, slices.Collect(res.TokenLabels()))
	assert.False(t, res.HasToken(""))
	assert.True(t, res.HasToken("beta"))

	_, err := res.Token("")
	assert.True(t, errors.Is(err, scanner.ErrTokenNotFound))
}
