// Command anillo-sim drives the scheduler, channel IPC, and dynamic linker
// packages together against the three scenarios their test suites can't
// exercise in isolation: a round-trip echo between two scheduled threads, a
// channel handed off mid-conversation, and a dynamic image resolving one of
// its lazy-bound symbols on first call.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anillo-os/kernel-core/dynlink"
	"github.com/anillo-os/kernel-core/internal/klog"
	"github.com/anillo-os/kernel-core/ipc"
	"github.com/anillo-os/kernel-core/sched"
	"github.com/joeycumines/logiface"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: echo, transfer, lazybind, all")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelDebug
	}
	log := klog.New(level, os.Stderr)

	run := func(name string, fn func(*klog.Logger) error) {
		if *scenario != "all" && *scenario != name {
			return
		}
		if err := fn(log); err != nil {
			log.Err().Err(err).Str("scenario", name).Log("scenario failed")
			os.Exit(1)
		}
		log.Info().Str("scenario", name).Log("scenario passed")
	}

	run("echo", runEchoScenario)
	run("transfer", runTransferScenario)
	run("lazybind", runLazyBindScenario)
}

// runEchoScenario (S1): two scheduled threads exchange a message over a
// channel pair and the caller observes the echoed body.
func runEchoScenario(log *klog.Logger) error {
	mgr := sched.NewManager(sched.WithLogger(log))
	a, b := ipc.Pair()
	tableA, tableB := ipc.NewDescriptorTable(), ipc.NewDescriptorTable()

	replies := make(chan string, 1)
	errs := make(chan error, 2)

	server, err := mgr.NewThread(func(self *sched.Thread, userData any) any {
		res, err := b.Receive(tableB, ipc.ReceiveRequest{Thread: self})
		if err != nil {
			errs <- err
			return nil
		}
		_, err = b.Send(tableB, ipc.SendRequest{Body: []byte("echo:" + string(res.Body)), Thread: self})
		errs <- err
		return nil
	}, nil, sched.CreateOptions{})
	if err != nil {
		return err
	}

	client, err := mgr.NewThread(func(self *sched.Thread, userData any) any {
		_, err := a.Send(tableA, ipc.SendRequest{Body: []byte("hello"), Thread: self})
		if err != nil {
			errs <- err
			return nil
		}
		res, err := a.Receive(tableA, ipc.ReceiveRequest{Thread: self})
		if err != nil {
			errs <- err
			return nil
		}
		replies <- string(res.Body)
		errs <- nil
		return nil
	}, nil, sched.CreateOptions{})
	if err != nil {
		return err
	}

	if err := mgr.Resume(server); err != nil {
		return err
	}
	if err := mgr.Resume(client); err != nil {
		return err
	}

	select {
	case reply := <-replies:
		if reply != "echo:hello" {
			return fmt.Errorf("anillo-sim: echo scenario: got %q", reply)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("anillo-sim: echo scenario: timed out")
	}
	if err := <-errs; err != nil {
		return err
	}
	return <-errs
}

// runTransferScenario (S2): a third channel is created, sent as an
// attachment from one thread to another, and the receiving thread proves it
// owns the transferred endpoint by exchanging a message over it.
func runTransferScenario(log *klog.Logger) error {
	mgr := sched.NewManager(sched.WithLogger(log))
	a, b := ipc.Pair()
	tableA, tableB := ipc.NewDescriptorTable(), ipc.NewDescriptorTable()

	gift, giftPeer := ipc.Pair()
	giftHandle := tableA.Install(gift)

	result := make(chan string, 1)
	errs := make(chan error, 2)

	receiver, err := mgr.NewThread(func(self *sched.Thread, userData any) any {
		res, err := b.Receive(tableB, ipc.ReceiveRequest{Thread: self})
		if err != nil {
			errs <- err
			return nil
		}
		if len(res.Attachments) != 1 || res.Attachments[0].Kind != ipc.AttachmentChannel {
			errs <- fmt.Errorf("anillo-sim: transfer scenario: expected one channel attachment")
			return nil
		}
		received, err := tableB.Channel(res.Attachments[0].ChannelHandle)
		if err != nil {
			errs <- err
			return nil
		}
		recvRes, err := received.Receive(tableB, ipc.ReceiveRequest{Thread: self})
		if err != nil {
			errs <- err
			return nil
		}
		result <- string(recvRes.Body)
		errs <- nil
		return nil
	}, nil, sched.CreateOptions{})
	if err != nil {
		return err
	}

	sender, err := mgr.NewThread(func(self *sched.Thread, userData any) any {
		_, err := a.Send(tableA, ipc.SendRequest{
			Body: []byte("here's a channel"),
			Attachments: []ipc.AttachmentRequest{
				{Kind: ipc.AttachmentChannel, ChannelHandle: giftHandle},
			},
			Thread: self,
		})
		if err != nil {
			errs <- err
			return nil
		}
		_, err = giftPeer.Send(ipc.NewDescriptorTable(), ipc.SendRequest{Body: []byte("surprise"), Thread: self})
		errs <- err
		return nil
	}, nil, sched.CreateOptions{})
	if err != nil {
		return err
	}

	if err := mgr.Resume(receiver); err != nil {
		return err
	}
	if err := mgr.Resume(sender); err != nil {
		return err
	}

	select {
	case got := <-result:
		if got != "surprise" {
			return fmt.Errorf("anillo-sim: transfer scenario: got %q", got)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("anillo-sim: transfer scenario: timed out")
	}
	if err := <-errs; err != nil {
		return err
	}
	return <-errs
}

// runLazyBindScenario (S3): a synthetic dependency image is loaded, its
// export resolved lazily on first simulated stub call, and the resolution
// cached for the (unexercised here) second call a real PLT stub would make.
func runLazyBindScenario(log *klog.Logger) error {
	depTrie := buildExportTrieForMain("_answer", 42)
	depHeader := buildHeaderWithExportsTrieOnly(len(depTrie))
	depBytes := append(depHeader, depTrie...)

	bindBytes := buildLazyBindStanza("_answer")
	segCmdSize := 72
	dylibName := "libdep.dylib"
	dylibCmdSize := 8 + 16 + len(dylibName) + 1
	dyldInfoCmdSize := 48
	headerLen := 32 + segCmdSize + dylibCmdSize + dyldInfoCmdSize
	pointerSlotOff := headerLen

	mainHeader := buildMainHeader(dylibName, pointerSlotOff, headerLen+8, len(bindBytes))

	var buf bytes.Buffer
	buf.Write(mainHeader)
	buf.Write(make([]byte, 8))
	buf.Write(bindBytes)

	source := memFileSource{files: map[string][]byte{
		"main":    buf.Bytes(),
		dylibName: depBytes,
	}}
	linker := dynlink.NewLinker(source)

	img, err := linker.Load("main")
	if err != nil {
		return err
	}

	addr, err := img.Binder().Resolve("_answer")
	if err != nil {
		return err
	}
	dep := img.Dependencies()[0]
	if addr != dep.LoadBias()+42 {
		return fmt.Errorf("anillo-sim: lazybind scenario: resolved %#x, want %#x", addr, dep.LoadBias()+42)
	}
	return nil
}

// The remainder of this file hand-assembles tiny Mach-O-shaped byte streams,
// the same way dynlink's own tests do, so this scenario has a real image to
// load rather than a stub.

type memFileSource struct{ files map[string][]byte }

func (m memFileSource) OpenByName(name string) (io.ReadCloser, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("anillo-sim: no such file %q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m memFileSource) ReadExact(name string, offset int64, buf []byte) error {
	data, ok := m.files[name]
	if !ok {
		return fmt.Errorf("anillo-sim: no such file %q", name)
	}
	copy(buf, data[offset:])
	return nil
}

func (m memFileSource) CopyPath(name string) (string, error) {
	if _, ok := m.files[name]; !ok {
		return "", fmt.Errorf("anillo-sim: no such file %q", name)
	}
	return name, nil
}

func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func buildExportTrieForMain(label string, addr uint64) []byte {
	addrBytes := encodeULEB128(addr)
	terminal := append([]byte{0x00}, addrBytes...)
	childNode := append(encodeULEB128(uint64(len(terminal))), terminal...)
	childNode = append(childNode, 0x00)

	root := []byte{0x00, 0x01}
	root = append(root, []byte(label)...)
	root = append(root, 0x00)
	childOffsetPos := len(root)
	root = append(root, byte(childOffsetPos+1))

	return append(root, childNode...)
}

func buildLazyBindStanza(symbol string) []byte {
	out := []byte{0x11} // BIND_OPCODE_SET_DYLIB_ORDINAL_IMM(1)
	out = append(out, 0x40)
	out = append(out, []byte(symbol)...)
	out = append(out, 0x00)
	out = append(out, 0x70, 0x00) // segment 0, offset 0
	out = append(out, 0x90)       // DO_BIND
	out = append(out, 0x00)       // DONE
	return out
}

const (
	machoMagic64 uint32 = 0xfeedfacf
	machoCPUARM64 uint32 = 0x0100000c
	machoMHExecute uint32 = 0x2
	lcSegment64Cmd uint32 = 0x19
	lcLoadDylibCmd uint32 = 0xc
	lcDyldInfoOnlyCmd uint32 = 0x22 | 0x80000000
	lcDyldExportsTrieCmd uint32 = 0x33 | 0x80000000
)

func writeHeader(buf *bytes.Buffer, ncmds, sizeofcmds uint32) {
	hdr := make([]byte, 32)
	binary.LittleEndian.PutUint32(hdr[0:4], machoMagic64)
	binary.LittleEndian.PutUint32(hdr[4:8], machoCPUARM64)
	binary.LittleEndian.PutUint32(hdr[12:16], machoMHExecute)
	binary.LittleEndian.PutUint32(hdr[16:20], ncmds)
	binary.LittleEndian.PutUint32(hdr[20:24], sizeofcmds)
	buf.Write(hdr)
}

func buildHeaderWithExportsTrieOnly(trieSize int) []byte {
	var cmds bytes.Buffer
	binary.Write(&cmds, binary.LittleEndian, lcDyldExportsTrieCmd)
	binary.Write(&cmds, binary.LittleEndian, uint32(16))
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], 48) // header(32) + this one 16-byte command
	binary.LittleEndian.PutUint32(body[4:8], uint32(trieSize))
	cmds.Write(body)

	var out bytes.Buffer
	writeHeader(&out, 1, uint32(cmds.Len()))
	out.Write(cmds.Bytes())
	return out.Bytes()
}

func buildMainHeader(dylibName string, segFileOff, bindOff, bindSize int) []byte {
	var cmds bytes.Buffer

	// LC_SEGMENT_64: a single 8-byte __DATA segment holding the bound pointer.
	binary.Write(&cmds, binary.LittleEndian, lcSegment64Cmd)
	binary.Write(&cmds, binary.LittleEndian, uint32(72))
	seg := make([]byte, 64)
	copy(seg[0:16], "__DATA")
	binary.LittleEndian.PutUint64(seg[32:40], uint64(segFileOff))
	binary.LittleEndian.PutUint64(seg[40:48], 8)
	cmds.Write(seg)

	// LC_LOAD_DYLIB
	binary.Write(&cmds, binary.LittleEndian, lcLoadDylibCmd)
	dylibBody := make([]byte, 16)
	binary.LittleEndian.PutUint32(dylibBody[0:4], 24)
	dylibBody = append(dylibBody, append([]byte(dylibName), 0)...)
	binary.Write(&cmds, binary.LittleEndian, uint32(8+len(dylibBody)))
	cmds.Write(dylibBody)

	// LC_DYLD_INFO_ONLY: only the lazy-bind stream is populated.
	binary.Write(&cmds, binary.LittleEndian, lcDyldInfoOnlyCmd)
	binary.Write(&cmds, binary.LittleEndian, uint32(48))
	info := make([]byte, 40)
	binary.LittleEndian.PutUint32(info[24:28], uint32(bindOff))
	binary.LittleEndian.PutUint32(info[28:32], uint32(bindSize))
	cmds.Write(info)

	var out bytes.Buffer
	writeHeader(&out, 3, uint32(cmds.Len()))
	out.Write(cmds.Bytes())
	return out.Bytes()
}
