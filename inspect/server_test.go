package inspect

import (
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gvm/addrspace"
	"github.com/sarchlab/gvm/emu"
	"github.com/sarchlab/gvm/migrate"
)

var _ = Describe("Inspector", func() {
	var (
		p      *emu.Platform
		eng    *migrate.Engine
		vm     *addrspace.VM
		i      *Inspector
		handle uint32
		addr   string
	)

	getJSON := func(path string, out any) {
		rsp, err := http.Get(addr + path)
		Expect(err).To(BeNil())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
		Expect(json.NewDecoder(rsp.Body).Decode(out)).To(BeNil())
	}

	BeforeEach(func() {
		var err error
		p, err = emu.MakeBuilder().
			WithMemorySize(32 << 20).
			WithSequentialIDs().
			Build("EmuDev")
		Expect(err).To(BeNil())

		eng, err = migrate.MakeBuilder().WithDevice(p.Device).Build("Migrate")
		Expect(err).To(BeNil())

		vm, err = addrspace.MakeBuilder().
			WithDevice(p.Device).
			WithEngine(eng).
			Build("VM")
		Expect(err).To(BeNil())

		buf, err := p.Alloc.NewBuffer(0x2000, true)
		Expect(err).To(BeNil())
		_, err = vm.Map(addrspace.MapRequest{
			Start: 0x20_0000,
			Size:  0x2000,
			Obj:   buf,
		})
		Expect(err).To(BeNil())

		i = NewInspector()
		handle = i.RegisterVM(vm)
		addr = i.StartServer()
	})

	AfterEach(func() {
		_ = vm.Close()
		eng.Release()
	})

	It("should list registered address spaces", func() {
		var vms []map[string]any
		getJSON("/api/vms", &vms)

		Expect(vms).To(HaveLen(1))
		Expect(vms[0]["name"]).To(Equal("VM"))
		Expect(vms[0]["vmas"]).To(BeNumerically("==", 1))
	})

	It("should dump the mappings of one space", func() {
		var vmas []map[string]any
		getJSON(fmt.Sprintf("/api/vms/%d/vmas", handle), &vmas)

		Expect(vmas).To(HaveLen(1))
		Expect(vmas[0]["start"]).To(BeNumerically("==", 0x20_0000))
		Expect(vmas[0]["end"]).To(BeNumerically("==", 0x20_2000))
	})

	It("should dump page-table occupancy", func() {
		var occ []map[string]any
		getJSON(fmt.Sprintf("/api/vms/%d/pt", handle), &occ)

		// Root plus the directory chain down to one leaf.
		Expect(len(occ)).To(BeNumerically(">=", 2))
	})

	It("should 404 on an unknown handle", func() {
		rsp, err := http.Get(addr + "/api/vms/9999/vmas")
		Expect(err).To(BeNil())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should report process status", func() {
		var status map[string]any
		getJSON("/api/status", &status)

		Expect(status).To(HaveKey("memory_rss"))
	})

	It("should forget unregistered spaces", func() {
		i.UnregisterVM(handle)

		rsp, err := http.Get(addr + fmt.Sprintf("/api/vms/%d/vmas", handle))
		Expect(err).To(BeNil())
		defer rsp.Body.Close()

		Expect(rsp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
