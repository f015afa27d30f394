// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

// pdbinspect dumps the contents of a Portable PDB file: its documents,
// per-method sequence points and lexical scopes.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/managed-debug/agent/portablepdb"
)

// Help strings for command line arguments
var (
	methodsHelp = "Dump per-method sequence points."
	localsHelp  = "Dump lexical scopes with their local variables and constants."
	verboseHelp = "Enable verbose logging and debugging capabilities."
)

type options struct {
	methods bool
	locals  bool
}

func main() {
	fs := flag.NewFlagSet("pdbinspect", flag.ExitOnError)
	opts := options{}
	fs.BoolVar(&opts.methods, "methods", true, methodsHelp)
	fs.BoolVar(&opts.locals, "locals", false, localsHelp)
	verbose := fs.Bool("verbose", false, verboseHelp)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <file.pdb>\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PDBINSPECT")); err != nil {
		log.Fatalf("Failed to parse arguments: %v", err)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	path := fs.Arg(0)
	f, err := portablepdb.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}
	dump(os.Stdout, f, opts)
}

func dump(w io.Writer, f *portablepdb.File, opts options) {
	id := f.ID()
	fmt.Fprintf(w, "pdb id: %x\n", id)
	fmt.Fprintf(w, "tables: %d documents, %d methods, %d scopes\n",
		len(f.GetDocumentTable())-1,
		len(f.GetMethodDebugInfoTable())-1,
		len(f.GetLocalScopeTable())-1)

	for i, doc := range f.GetDocumentIndexTable() {
		fmt.Fprintf(w, "\ndocument %d: %s\n", i+1, doc.FilePath)
		if doc.SourceLanguage != "" {
			fmt.Fprintf(w, "  language: %s\n", doc.SourceLanguage)
		}
		if len(doc.Hash) > 0 {
			fmt.Fprintf(w, "  hash: %s %x\n", doc.HashAlgorithm, doc.Hash)
		}
		if !opts.methods {
			continue
		}
		for j := range doc.Methods {
			dumpMethod(w, &doc.Methods[j], opts)
		}
	}
}

func dumpMethod(w io.Writer, m *portablepdb.MethodInfo, opts options) {
	// Format the row index as a full MethodDef token.
	fmt.Fprintf(w, "  method 0x%08x", 0x06000000|m.MethodDef)
	if m.FirstLine == portablepdb.NoFirstLine {
		fmt.Fprintf(w, " (no mapped lines)\n")
	} else {
		fmt.Fprintf(w, " lines %d-%d\n", m.FirstLine, m.LastLine)
	}

	for _, point := range m.SequencePoints {
		if point.IsHidden {
			fmt.Fprintf(w, "    il 0x%04x hidden\n", point.ILOffset)
			continue
		}
		fmt.Fprintf(w, "    il 0x%04x -> %d:%d-%d:%d\n", point.ILOffset,
			point.StartLine, point.StartColumn, point.EndLine, point.EndColumn)
	}

	if !opts.locals {
		return
	}
	for _, scope := range m.LocalScopes {
		fmt.Fprintf(w, "    scope il [0x%04x, 0x%04x)\n",
			scope.StartOffset, scope.StartOffset+scope.Length)
		for _, v := range scope.LocalVariables {
			hidden := ""
			if v.DebuggerHidden {
				hidden = " (debugger hidden)"
			}
			fmt.Fprintf(w, "      var slot %d: %s%s\n", v.Slot, v.Name, hidden)
		}
		for _, c := range scope.LocalConstants {
			fmt.Fprintf(w, "      const %s\n", c.Name)
		}
	}
}
