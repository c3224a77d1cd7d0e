// Program chirp is a command-line utility for running and exercising
// chirp message-passing instances.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chirplib/chirp"
	"github.com/chirplib/chirp/packet"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and exercising chirp instances.",
		Commands: []*command.C{
			idCommand(),
			serveCommand(),
			sendCommand(),
			packCommand(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func idCommand() *command.C {
	return &command.C{
		Name: "id",
		Help: "Print a freshly generated random chirp identity.",
		Run: func(env *command.Env) error {
			c, err := chirp.New(chirp.Config{DisableEncryption: true})
			if err != nil {
				return err
			}
			id := c.Identity()
			fmt.Println(hex.EncodeToString(id[:]))
			return nil
		},
	}
}

type serveArgs struct {
	Port        int  `flag:"port,default=4040,Listening port"`
	Sync        bool `flag:"sync,default=false,Require acknowledgement of every message"`
	IdentityHex string `flag:"identity,Fixed hex-encoded identity (random if empty)"`
}

func serveCommand() *command.C {
	var args serveArgs
	return &command.C{
		Name:  "serve",
		Usage: "[flags]",
		Help:  "Run a chirp instance that logs and echoes received messages.",
		SetFlags: func(env *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &args)
		},
		Run: func(env *command.Env) error {
			cfg := chirp.Config{
				Port:              uint16(args.Port),
				Synchronous:       args.Sync,
				DisableEncryption: true,
			}
			if args.IdentityHex != "" {
				raw, err := hex.DecodeString(args.IdentityHex)
				if err != nil || len(raw) != chirp.IdentitySize {
					return fmt.Errorf("invalid --identity: want %d hex bytes", chirp.IdentitySize)
				}
				copy(cfg.Identity[:], raw)
			}
			c, err := chirp.New(cfg)
			if err != nil {
				return err
			}
			c.Handle(func(c *chirp.Chirp, msg *chirp.Message) {
				defer c.ReleaseMsgSlot(msg)
				log.Printf("recv %d bytes from %v:%d (identity %x)", len(msg.Data), msg.Address, msg.Port, msg.Identity)
				if len(msg.Data) == 0 {
					return
				}
				reply := &chirp.Message{
					Identity: msg.Identity,
					Address:  msg.Address,
					Port:     msg.Port,
					Data:     msg.Data,
				}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := c.Send(ctx, reply); err != nil {
						log.Printf("echo reply failed: %v", err)
					}
				}()
			})
			if err := c.Start(); err != nil {
				return err
			}
			id := c.Identity()
			log.Printf("listening on port %d, identity %x", c.LocalPort(), id)
			select {}
		},
	}
}

type sendArgs struct {
	Addr   string `flag:"addr,required,Target host:port"`
	Data   string `flag:"data,Data payload"`
	Header string `flag:"header,Header payload"`
	ReqAck bool   `flag:"req-ack,default=false,Request acknowledgement"`
}

func sendCommand() *command.C {
	var args sendArgs
	return &command.C{
		Name:  "send",
		Usage: "--addr host:port [flags]",
		Help:  "Dial a peer with an ephemeral local instance and send one message.",
		SetFlags: func(env *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &args)
		},
		Run: func(env *command.Env) error {
			host, portStr, err := net.SplitHostPort(args.Addr)
			if err != nil {
				return fmt.Errorf("invalid --addr: %w", err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				addrs, err := net.LookupIP(host)
				if err != nil || len(addrs) == 0 {
					return fmt.Errorf("resolving %q: %w", host, err)
				}
				ip = addrs[0]
			}
			var port int
			if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
				return fmt.Errorf("invalid port %q: %w", portStr, err)
			}

			c, err := chirp.New(chirp.Config{DisableEncryption: true})
			if err != nil {
				return err
			}
			if err := c.Start(); err != nil {
				return err
			}
			defer c.Close()

			msg := &chirp.Message{
				Address: ip,
				Port:    uint16(port),
				Data:    []byte(args.Data),
				Header:  []byte(args.Header),
				ReqAck:  args.ReqAck,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Send(ctx, msg); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

// packCommand builds a raw packet suitable for use as a Message's Header
// or Data (a self-framing chirpcodec.Fields payload, or a hand-built
// probe for exercising a receiver's decoding of malformed input). The
// pattern specifies one verb per argument:
//
//	s   a string with a vint30 length prefix
//	b   bytes with a vint30 length prefix, argument given as hex
//	t   a Boolean constant ("true"/"false" or "1"/"0")
//	2   a big-endian uint16
//	4   a big-endian uint32
func packCommand() *command.C {
	return &command.C{
		Name:  "pack",
		Usage: "<pattern> <argument>...",
		Help: `Pack arguments into a binary packet.

The pattern specifies the sequence of values to concatenate into the packet:

  s  : a string encoded with a vint30 length prefix
  b  : bytes (given as hex) encoded with a vint30 length prefix
  t  : a Boolean constant (true or false)
  2  : a uint16 value (2 bytes, big-endian)
  4  : a uint32 value (4 bytes, big-endian)

The number of arguments must equal the length of the pattern.`,
		Run: func(env *command.Env) error {
			if len(env.Args) == 0 {
				return env.Usagef("missing pattern argument")
			}
			pat, args := env.Args[0], env.Args[1:]
			if len(args) != len(pat) {
				return fmt.Errorf("pattern %q needs %d arguments, got %d", pat, len(pat), len(args))
			}
			var b packet.Builder
			for i, verb := range pat {
				arg := args[i]
				switch verb {
				case 's':
					b.VPutString(arg)
				case 'b':
					raw, err := hex.DecodeString(arg)
					if err != nil {
						return fmt.Errorf("argument %d: invalid hex: %w", i+1, err)
					}
					b.VPut(raw)
				case 't':
					b.Bool(arg == "true" || arg == "1")
				case '2':
					n, err := strconv.ParseUint(arg, 10, 16)
					if err != nil {
						return fmt.Errorf("argument %d: %w", i+1, err)
					}
					b.Uint16(uint16(n))
				case '4':
					n, err := strconv.ParseUint(arg, 10, 32)
					if err != nil {
						return fmt.Errorf("argument %d: %w", i+1, err)
					}
					b.Uint32(uint32(n))
				default:
					return fmt.Errorf("pattern %q: unknown verb %q", pat, verb)
				}
			}
			os.Stdout.Write(b.Bytes())
			return nil
		},
	}
}
