// Program remoting-cli is a command-line utility for inspecting and
// constructing the wire data of a remoting channel.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/vornlabs/remoting"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for inspecting and constructing remoting wire data.",
		Commands: []*command.C{
			inspectChunkCmd(),
			packCapabilityCmd(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

type inspectChunkFlags struct {
	Hex bool `flag:"hex,false,Input is hex-encoded rather than raw binary"`
}

func inspectChunkCmd() *command.C {
	var flags inspectChunkFlags
	return &command.C{
		Name:  "inspect-chunk",
		Usage: "[-hex] < frames",
		Help: `Decode a sequence of chunked-transport frames from standard input.

Each frame is a 1-byte command type tag followed by one or more 2-byte
big-endian chunk headers, each followed by the header's length in payload
bytes. The high bit of a chunk header marks a continuation: more chunks for
the same command follow. inspect-chunk prints one line per command showing
its type, chunk count, and total payload size.`,
		SetFlags: func(env *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Run: func(env *command.Env) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if flags.Hex {
				decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
				if err != nil {
					return fmt.Errorf("decode hex: %w", err)
				}
				data = decoded
			}
			return inspectChunks(os.Stdout, data)
		},
	}
}

const (
	chunkContinuation = 1 << 15
	chunkLengthMask   = chunkContinuation - 1
)

func inspectChunks(w io.Writer, data []byte) error {
	for len(data) > 0 {
		typ := remoting.CommandType(data[0])
		data = data[1:]

		nchunks := 0
		total := 0
		for {
			if len(data) < 2 {
				return fmt.Errorf("truncated chunk header after %d bytes", total)
			}
			hdr := binary.BigEndian.Uint16(data[:2])
			data = data[2:]
			n := int(hdr & chunkLengthMask)
			if len(data) < n {
				return fmt.Errorf("truncated chunk payload: want %d bytes, have %d", n, len(data))
			}
			data = data[n:]
			nchunks++
			total += n
			if hdr&chunkContinuation == 0 {
				break
			}
		}
		fmt.Fprintf(w, "%-24s chunks=%d bytes=%d\n", typ, nchunks, total)
	}
	return nil
}

type packCapabilityFlags struct {
	Text bool `flag:"text,false,Print hex text instead of raw bytes"`
}

func packCapabilityCmd() *command.C {
	var flags packCapabilityFlags
	return &command.C{
		Name:  "pack-capability",
		Usage: "<flag>...",
		Help: `Pack a set of capability flag names into a capacity preamble.

The output is the full wire form written at connection start: the literal
"<===[JENKINS REMOTING CAPACITY]===>", a 2-byte big-endian payload length,
and the little-endian capability bitmask itself.

Recognized flag names: multi-classloader-rpc, pipe-throttling, proxy-writer,
chunking.`,
		SetFlags: func(env *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Run: func(env *command.Env) error {
			var c remoting.Capability
			for _, name := range env.Args {
				bit, ok := capabilityNames[name]
				if !ok {
					return env.Usagef("unrecognized capability %q", name)
				}
				c |= bit
			}
			enc := c.EncodePreamble()
			if flags.Text {
				fmt.Fprintln(os.Stdout, hex.EncodeToString(enc))
				return nil
			}
			_, err := os.Stdout.Write(enc)
			return err
		},
	}
}

var capabilityNames = map[string]remoting.Capability{
	"multi-classloader-rpc": remoting.CapMultiClassLoaderRPC,
	"pipe-throttling":       remoting.CapPipeThrottling,
	"proxy-writer":          remoting.CapProxyWriter,
	"chunking":              remoting.CapChunking,
}
