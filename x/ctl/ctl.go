package ctl

import (
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/ugorji/go/codec"
)

// VersionFlag is a flag to print version
type VersionFlag string

// Decode the flag
func (v VersionFlag) Decode(ctx *kong.DecodeContext) error { return nil }

// IsBool returns true for the flag
func (v VersionFlag) IsBool() bool { return true }

// BeforeApply is executed before context is applied
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	fmt.Fprintln(app.Stdout, values.StringsCoalesce(vars["version"], string(v)))
	app.Exit(0)
	return nil
}

var (
	// jsonEncPPHandle is used to encode json with a human readable pretty printed out put, as well as
	// line breaks/indents, fields are serialized in a canonical order everytime
	jsonEncPPHandle codec.JsonHandle
	// jsonEncHandle is used to encode one json document per line,
	// fields are serialized in a canonical order everytime
	jsonEncHandle codec.JsonHandle
)

func init() {
	jsonEncPPHandle.BasicHandle.EncodeOptions.Canonical = true
	jsonEncPPHandle.Indent = -1
	jsonEncHandle.BasicHandle.EncodeOptions.Canonical = true
}

var newLine = []byte("\n")

// WriteJSON prints response to out
func WriteJSON(out io.Writer, value any) error {
	return write(out, value, &jsonEncPPHandle)
}

// WriteJSONLine prints response to out as a single line
func WriteJSONLine(out io.Writer, value any) error {
	return write(out, value, &jsonEncHandle)
}

func write(out io.Writer, value any, h *codec.JsonHandle) error {
	var json []byte
	err := codec.NewEncoderBytes(&json, h).Encode(value)
	if err != nil {
		return errors.WithMessage(err, "failed to encode")
	}

	_, _ = out.Write(json)
	_, _ = out.Write(newLine)

	return nil
}
