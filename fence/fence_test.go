package fence

import (
	"errors"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("Fence", func() {
	ginkgo.It("should start unsignaled", func() {
		f := New()

		Expect(f.IsSignaled()).To(BeFalse())
		Expect(f.Err()).To(BeNil())
	})

	ginkgo.It("should signal", func() {
		f := New()

		f.Signal()

		Expect(f.IsSignaled()).To(BeTrue())
		Expect(f.Err()).To(BeNil())
		Eventually(f.Done()).Should(BeClosed())
	})

	ginkgo.It("should carry an error", func() {
		f := New()
		boom := errors.New("job failed")

		f.Fail(boom)

		Expect(f.IsSignaled()).To(BeTrue())
		Expect(f.Err()).To(MatchError(boom))
		Expect(f.Wait(0)).To(MatchError(boom))
	})

	ginkgo.It("should panic on double signal", func() {
		f := New()
		f.Signal()

		Expect(func() { f.Signal() }).To(Panic())
	})

	ginkgo.It("should time out a bounded wait", func() {
		f := New()

		err := f.Wait(time.Millisecond)

		Expect(err).To(MatchError(ErrTimeout))
	})

	ginkgo.It("should unblock a waiter when signaled", func() {
		f := New()
		waitErr := make(chan error, 1)

		go func() { waitErr <- f.Wait(time.Second) }()
		f.Signal()

		Eventually(waitErr).Should(Receive(BeNil()))
	})

	ginkgo.It("should run callbacks on signal", func() {
		f := New()
		called := make(chan error, 1)

		f.On(func(err error) { called <- err })
		f.Signal()

		Eventually(called).Should(Receive(BeNil()))
	})

	ginkgo.It("should run callbacks registered after signaling", func() {
		f := New()
		f.Fail(errors.New("late"))
		called := make(chan error, 1)

		f.On(func(err error) { called <- err })

		Eventually(called).Should(Receive(HaveOccurred()))
	})

	ginkgo.Context("AfterAll", func() {
		ginkgo.It("should signal immediately with no inputs", func() {
			Expect(AfterAll().IsSignaled()).To(BeTrue())
		})

		ginkgo.It("should wait for all inputs", func() {
			a := New()
			b := New()
			out := AfterAll(a, b)

			a.Signal()
			Expect(out.IsSignaled()).To(BeFalse())

			b.Signal()
			Eventually(out.IsSignaled).Should(BeTrue())
			Expect(out.Err()).To(BeNil())
		})

		ginkgo.It("should propagate an input error", func() {
			a := New()
			b := New()
			out := AfterAll(a, b)

			a.Fail(errors.New("dependency failed"))
			b.Signal()

			Eventually(out.IsSignaled).Should(BeTrue())
			Expect(out.Err()).To(HaveOccurred())
		})
	})
})

var _ = ginkgo.Describe("Set", func() {
	ginkgo.It("should snapshot outstanding fences", func() {
		s := NewSet()
		a := New()
		b := New()

		s.Add(a)
		s.Add(b)

		Expect(s.Snapshot()).To(HaveLen(2))
	})

	ginkgo.It("should prune signaled fences", func() {
		s := NewSet()
		a := New()
		b := New()
		s.Add(a)
		s.Add(b)

		a.Signal()

		Expect(s.Snapshot()).To(ConsistOf(b))
	})

	ginkgo.It("should wait for all fences", func() {
		s := NewSet()
		a := New()
		s.Add(a)

		go a.Signal()

		Expect(s.WaitAll(time.Second)).To(Succeed())
	})

	ginkgo.It("should time out waiting", func() {
		s := NewSet()
		s.Add(New())

		Expect(s.WaitAll(time.Millisecond)).To(MatchError(ErrTimeout))
	})
})
