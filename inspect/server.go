// Package inspect turns a set of address spaces into a small HTTP
// server for external inspection: mappings, page-table occupancy, and
// process resource usage.
package inspect

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"

	"github.com/sarchlab/gvm/addrspace"
	"github.com/sarchlab/gvm/device"
)

// An Inspector serves the state of registered address spaces over HTTP.
type Inspector struct {
	reg        *device.Registry[*addrspace.VM]
	portNumber int
}

// NewInspector creates a new Inspector.
func NewInspector() *Inspector {
	return &Inspector{reg: device.NewRegistry[*addrspace.VM]()}
}

// WithPortNumber sets the port number of the inspection server.
func (i *Inspector) WithPortNumber(portNumber int) *Inspector {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the inspection server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	i.portNumber = portNumber

	return i
}

// RegisterVM registers an address space and returns its handle.
func (i *Inspector) RegisterVM(vm *addrspace.VM) uint32 {
	return i.reg.Alloc(vm)
}

// UnregisterVM removes the address space behind the handle.
func (i *Inspector) UnregisterVM(handle uint32) {
	i.reg.Erase(handle)
}

// StartServer starts the inspection server and returns its address.
func (i *Inspector) StartServer() string {
	r := mux.NewRouter()
	r.HandleFunc("/api/vms", i.listVMs)
	r.HandleFunc("/api/vms/{handle}/vmas", i.listVMAs)
	r.HandleFunc("/api/vms/{handle}/pt", i.listPTOccupancy)
	r.HandleFunc("/api/status", i.status)

	actualPort := ":0"
	if i.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(i.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	addr := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Inspecting address spaces with %s\n", addr)

	go func() {
		dieOnErr(http.Serve(listener, r))
	}()

	return addr
}

// StartServerAndOpenBrowser starts the server and points the system
// browser at it.
func (i *Inspector) StartServerAndOpenBrowser() string {
	addr := i.StartServer()
	if err := browser.OpenURL(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Could not open browser: %v\n", err)
	}
	return addr
}

type vmRsp struct {
	Handle uint32 `json:"handle"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   uint64 `json:"size"`
	VMAs   int    `json:"vmas"`
}

func (i *Inspector) listVMs(w http.ResponseWriter, _ *http.Request) {
	var rsp []vmRsp
	i.reg.ForEach(func(handle uint32, vm *addrspace.VM) {
		rsp = append(rsp, vmRsp{
			Handle: handle,
			ID:     vm.ID(),
			Name:   vm.Name(),
			Size:   vm.Size(),
			VMAs:   len(vm.DumpVMAs()),
		})
	})

	writeJSON(w, rsp)
}

func (i *Inspector) vmOf(w http.ResponseWriter, r *http.Request) (*addrspace.VM, bool) {
	handle, err := strconv.ParseUint(mux.Vars(r)["handle"], 10, 32)
	if err != nil {
		http.Error(w, "bad handle", http.StatusBadRequest)
		return nil, false
	}

	vm, ok := i.reg.Lookup(uint32(handle))
	if !ok {
		http.Error(w, "no such vm", http.StatusNotFound)
		return nil, false
	}
	return vm, true
}

func (i *Inspector) listVMAs(w http.ResponseWriter, r *http.Request) {
	vm, ok := i.vmOf(w, r)
	if !ok {
		return
	}

	writeJSON(w, vm.DumpVMAs())
}

func (i *Inspector) listPTOccupancy(w http.ResponseWriter, r *http.Request) {
	vm, ok := i.vmOf(w, r)
	if !ok {
		return
	}

	inst := 0
	if s := r.URL.Query().Get("instance"); s != "" {
		var err error
		inst, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, "bad instance", http.StatusBadRequest)
			return
		}
	}

	occ, err := vm.PTOccupancy(device.PhysInstance(inst))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, occ)
}

type statusRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
}

func (i *Inspector) status(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, statusRsp{
		CPUPercent: cpuPercent,
		MemoryRSS:  memInfo.RSS,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	dieOnErr(json.NewEncoder(w).Encode(v))
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
