// Command gdbstub hosts a simulated 32-bit x86 machine with the RSP
// stub installed, so a real gdb can connect and drive it:
//
//	gdbstub sim --listen localhost:2159
//	(gdb) target remote localhost:2159
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/retrodbg/gdbstub/pkg/config"
	"github.com/retrodbg/gdbstub/pkg/logflags"
	"github.com/retrodbg/gdbstub/pkg/machine"
	"github.com/retrodbg/gdbstub/pkg/stub"
	"github.com/retrodbg/gdbstub/pkg/transport"
	"github.com/retrodbg/gdbstub/pkg/version"
)

var (
	listen     string
	usePty     bool
	logFlag    bool
	logOutput  string
	configPath string
	imagePath  string
	imageAddr  uint32
)

// demoProgram is the program run when no image is given:
//
//	mov $0x11223344, %eax
//	nop
//	inc %eax
//	int3
//	nop
//	inc %eax
//	hlt
func demoProgram() []byte {
	return []byte{
		0xb8, 0x44, 0x33, 0x22, 0x11,
		0x90,
		0x40,
		0xcc,
		0x90,
		0x40,
		0xf4,
	}
}

func main() {
	rootCommand := &cobra.Command{
		Use:   "gdbstub",
		Short: "gdbstub serves the GDB remote protocol for a hosted x86 program.",
	}
	rootCommand.PersistentFlags().BoolVarP(&logFlag, "log", "", false, "Enable stub logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of log layers (stub,rspwire,machine).")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Config file path.")

	simCommand := &cobra.Command{
		Use:   "sim",
		Short: "Run the simulated machine and wait for gdb to attach.",
		Long: `Builds the simulated x86 machine, installs the debug stub, raises the
initial breakpoint and serves the remote protocol until the program halts.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(sim())
		},
	}
	simCommand.Flags().StringVarP(&listen, "listen", "l", "", "TCP listen address for the host connection.")
	simCommand.Flags().BoolVarP(&usePty, "pty", "", false, "Serve on a pseudo-terminal instead of TCP.")
	simCommand.Flags().StringVarP(&imagePath, "image", "", "", "Raw binary to load and run.")
	simCommand.Flags().Uint32VarP(&imageAddr, "image-addr", "", 0, "Load address for --image.")
	rootCommand.AddCommand(simCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.StubVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.Execute()
}

func sim() int {
	if err := logflags.Setup(logFlag, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logflags.SetOutput(colorable.NewColorableStderr())
	}

	conf := config.LoadConfig(configPath)
	if listen != "" {
		conf.Listen = listen
	}
	if usePty {
		conf.Transport = "pty"
	}
	if imagePath != "" {
		conf.Image = imagePath
	}
	if imageAddr != 0 {
		conf.ImageAddr = imageAddr
	}

	regions := make([]machine.Region, 0, len(conf.Regions))
	for _, r := range conf.Regions {
		regions = append(regions, machine.Region{Addr: r.Addr, Size: r.Size, Writable: r.Writable})
	}
	mem, err := machine.NewSparseMem(regions...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad memory layout: %v\n", err)
		return 1
	}

	image := demoProgram()
	if conf.Image != "" {
		image, err = os.ReadFile(conf.Image)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot read image: %v\n", err)
			return 1
		}
	}
	if err := mem.LoadImage(conf.ImageAddr, image); err != nil {
		fmt.Fprintf(os.Stderr, "cannot load image: %v\n", err)
		return 1
	}

	vm := machine.NewSim(mem)
	vm.SetPC(conf.ImageAddr)
	vm.SetSP(conf.StackTop)

	var tr transport.Transport
	switch conf.Transport {
	case "pty":
		ptyTr, name, err := transport.OpenPty()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open pty: %v\n", err)
			return 1
		}
		fmt.Printf("Serving on %s, attach with: target remote %s\n", name, name)
		tr = ptyTr
	default:
		l, err := transport.ListenTCP(conf.Listen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot listen: %v\n", err)
			return 1
		}
		fmt.Printf("Stub listening at: %s\n", l.Addr())
		tr, err = l.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "accept failed: %v\n", err)
			return 1
		}
	}

	st := stub.New(stub.Config{
		Transport: tr,
		Source:    vm,
		Mem:       vm,
		Pinner:    machine.NewPinner(),
	})
	if err := st.Install(); err != nil {
		// mlock can fail under RLIMIT_MEMLOCK; run unpinned rather
		// than not at all
		fmt.Fprintf(os.Stderr, "warning: %v, continuing unpinned\n", err)
		st = stub.New(stub.Config{Transport: tr, Source: vm, Mem: vm})
		if err := st.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "cannot install stub: %v\n", err)
			return 1
		}
	}
	defer st.Close()

	// first stop: hand control to the host before the program runs
	st.Breakpoint()
	vm.Run()

	fmt.Println("Program halted.")
	return 0
}
