package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/sigkit/asmkit"
	"gitlab.com/stephen-fox/sigkit/conv"
	"gitlab.com/stephen-fox/sigkit/exprocess"
	"gitlab.com/stephen-fox/sigkit/memory"
	"gitlab.com/stephen-fox/sigkit/patch"
	"gitlab.com/stephen-fox/sigkit/scan"
	"gitlab.com/stephen-fox/sigkit/sig"
)

const (
	pidArg      = "pid"
	moduleArg   = "module"
	execOnlyArg = "x"
	offsetArg   = "offset"
	followArg   = "follow"
	jmpArg      = "jmp"
	disArg      = "dis"
	patchArg    = "patch"
	storeArg    = "store"
	bitsArg     = "bits"
	verboseArg  = "v"
	helpArg     = "h"

	appName = "sigscan"
	usage   = appName + `
DESCRIPTION
  Scans another process' memory for a hex signature and optionally
  resolves, disassembles, or patches the match.

USAGE
  ` + appName + ` [options] SIGNATURE

EXAMPLES
  Find a signature in a process, searching executable regions only:
    $ ` + appName + ` -` + pidArg + ` 1234 -` + execOnlyArg + ` 'E8 ?? ?? ?? ?? 48 8B F8'

  Resolve the call target of the match's rel32 operand:
    $ ` + appName + ` -` + pidArg + ` 1234 -` + offsetArg + ` 1 -` + followArg + ` 1 'E8 ?? ?? ?? ?? 48 8B F8'

  Temporarily replace the match with nops until enter is pressed:
    $ ` + appName + ` -` + pidArg + ` 1234 -` + patchArg + ` '90 90 90' '0F 84 ?? ??'

  Redirect a pointer slot to the resolved address until enter is pressed:
    $ ` + appName + ` -` + pidArg + ` 1234 -` + storeArg + ` 0x7ff6a0001a30 '48 8B ?? ?? 8D'

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	pid := flag.Int(
		pidArg,
		0,
		"The ID of the process to scan")

	moduleName := flag.String(
		moduleArg,
		"",
		"Limit the scan to the named module")

	execOnly := flag.Bool(
		execOnlyArg,
		false,
		"Only scan executable regions")

	offset := flag.Int64(
		offsetArg,
		0,
		"Add an offset to the match address before resolving")

	follow := flag.Int(
		followArg,
		0,
		"Follow this many rel32 references from the match")

	jmp := flag.Bool(
		jmpArg,
		false,
		"Follow the jump chain at the resolved address")

	dis := flag.Int(
		disArg,
		0,
		"Disassemble this many instructions at the resolved address")

	patchHex := flag.String(
		patchArg,
		"",
		"Write these hex bytes at the resolved address, restoring them when enter is pressed")

	storeAt := flag.String(
		storeArg,
		"",
		"Write the resolved address into the pointer slot at this address, restoring it when enter is pressed")

	bits := flag.Int(
		bitsArg,
		64,
		"The target's addressing width (32 or 64)")

	verbose := flag.Bool(
		verboseArg,
		false,
		"Log region walks and match attempts")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *pid <= 0 {
		return fmt.Errorf("please specify a process id using '-%s'", pidArg)
	}

	if flag.NArg() == 0 {
		return fmt.Errorf("please specify a signature to scan for")
	}

	pattern, err := sig.Parse(strings.Join(flag.Args(), " "))
	if err != nil {
		return fmt.Errorf("failed to parse signature - %w", err)
	}

	var program []scan.Instruction

	if *offset != 0 {
		program = append(program, scan.Offset(*offset))
	}

	for i := 0; i < *follow; i++ {
		program = append(program, scan.Follow())
	}

	s, err := scan.New(pattern, program...)
	if err != nil {
		return fmt.Errorf("failed to create scan - %w", err)
	}

	proc, err := exprocess.Open(*pid)
	if err != nil {
		return fmt.Errorf("failed to open process %d - %w", *pid, err)
	}
	defer proc.Close()

	scanner, err := scan.NewScanner(scan.ScannerConfig{
		Mem:            proc,
		ExecutableOnly: *execOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to create scanner - %w", err)
	}

	if *verbose {
		scanner.SetLogger(log.New(os.Stderr, "", 0))
	}

	var result uint64
	var found bool

	if *moduleName == "" {
		result, found = scanner.Find(s)
	} else {
		module, err := proc.FindModule(*moduleName)
		if err != nil {
			return err
		}

		result, found = scanner.FindIn(s, module.Base, module.Size)
	}

	if !found {
		return fmt.Errorf("signature not found: %s", pattern.String())
	}

	if *jmp {
		result, err = asmkit.FollowJumpChain(proc, result, *bits)
		if err != nil {
			return fmt.Errorf("failed to follow jump chain - %w", err)
		}
	}

	fmt.Printf("0x%x\n", result)

	if *dis > 0 {
		err = disassembleAt(proc, result, *bits, *dis)
		if err != nil {
			return fmt.Errorf("failed to disassemble at 0x%x - %w", result, err)
		}
	}

	if *patchHex != "" {
		replacement, err := conv.HexStringToBytes(*patchHex)
		if err != nil {
			return fmt.Errorf("failed to parse patch bytes - %w", err)
		}

		err = patchUntilEnter(proc, result, replacement)
		if err != nil {
			return err
		}
	}

	if *storeAt != "" {
		slot, err := strconv.ParseUint(*storeAt, 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse pointer slot address - %w", err)
		}

		pm := memory.PointerMakerForX86_64()
		if *bits == 32 {
			pm = memory.PointerMakerForX86_32()
		}

		err = patchUntilEnter(proc, slot, pm.FromUint(result).Bytes())
		if err != nil {
			return err
		}
	}

	return nil
}

func disassembleAt(proc *exprocess.Process, addr uint64, bits int, count int) error {
	disassembler, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
		Bits:   bits,
	})
	if err != nil {
		return err
	}

	// x86 instructions are at most 15 bytes long.
	raw := make([]byte, count*15)

	err = proc.ReadMem(addr, raw)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		inst, err := disassembler.Next(raw)
		if err != nil {
			return err
		}

		fmt.Printf("0x%x: %-24x %s\n", addr, inst.Bin, inst.Dis)

		addr += uint64(inst.Len)
		raw = raw[inst.Len:]
	}

	return nil
}

func patchUntilEnter(proc *exprocess.Process, addr uint64, replacement []byte) error {
	p, err := patch.Apply(proc, addr, replacement)
	if err != nil {
		return fmt.Errorf("failed to apply patch - %w", err)
	}
	defer p.Release()

	fmt.Fprintf(os.Stderr, "patched %d bytes at 0x%x - press enter to restore\n",
		p.Size(), p.Target())

	_, err = bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to wait for enter - %w", err)
	}

	err = p.Release()
	if err != nil {
		return fmt.Errorf("failed to restore original bytes - %w", err)
	}

	return nil
}
