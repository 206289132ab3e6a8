package main

import (
	"fmt"
	"io"
	"strings"
)

// Write renders the result for humans.
func (r *Result) Write(w io.Writer) {
	if !r.Jumped {
		fmt.Fprintf(w, "== %s: returned %s\n", r.Name, r.Status)

		for _, s := range r.Started {
			fmt.Fprintf(w, "started: %s\n", s)
		}

		writeConsole(w, r.Console)

		return
	}

	fmt.Fprintf(w, "== %s: jumped to %#x (magic %#x, info %#x)\n", r.Name, r.Entry, r.Magic, r.Info)
	fmt.Fprintf(w, "GetMemoryMap calls: %d\n", r.MapCalls)

	if b := r.Boot; b != nil {
		fmt.Fprintf(w, "e820: %d entries\n", len(b.Map))

		for i, e := range b.Map {
			fmt.Fprintf(w, "  %3d %s\n", i, e)
		}

		fmt.Fprintf(w, "info: flags=%#x cmdline=%#x %q mmap=%#x+%d drives=%#x\n",
			b.Info.Flags, b.Info.Cmdline, b.Cmdline, b.Info.MmapAddr, b.Info.MmapLength, b.Info.DrivesAddr)

		if s := b.State; s != nil {
			fmt.Fprintf(w, "cpu: rip=%#x rsdp=%#x rflags=%#x\n", s.RIP, s.RSDP, s.RFLAGS)
			fmt.Fprintf(w, "cpu: cr0=%#x cr3=%#x cr4=%#x efer=%#x long=%v\n", s.CR0, s.CR3, s.CR4, s.EFER, s.LongMode())
			fmt.Fprintf(w, "cpu: gdt=%#x/%#x idt=%#x/%#x tr=%#x ldt=%#x\n",
				s.GDT.Base, s.GDT.Limit, s.IDT.Base, s.IDT.Limit, s.TRSel, s.LDTSel)
			fmt.Fprintf(w, "cpu: cs %s\n", s.CodeSegment())
			fmt.Fprintf(w, "cpu: es=%#x ss=%#x ds=%#x fs=%#x gs=%#x\n", s.ESSel, s.SSSel, s.DSSel, s.FSSel, s.GSSel)
			fmt.Fprintf(w, "cpu: rsp=%#x rbp=%#x\n", s.RSP, s.RBP)
		}
	}

	for _, c := range r.Code {
		fmt.Fprintf(w, "entry: %s\n", c)
	}

	writeConsole(w, r.Console)
}

func writeConsole(w io.Writer, s string) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return
	}

	for _, l := range strings.Split(s, "\n") {
		fmt.Fprintf(w, "console: %s\n", l)
	}
}
