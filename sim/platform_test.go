package sim

import (
	"testing"

	"github.com/go-logr/logr/testr"
	. "github.com/onsi/gomega"

	"github.com/sliverarmory/vitaload/memmod"
)

func newTestPlatform(t *testing.T, opts ...Option) *Platform {
	t.Helper()
	p := New(append([]Option{WithLogger(testr.New(t))}, opts...)...)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFirstFitPlacement(t *testing.T) {
	g := NewWithT(t)
	p := newTestPlatform(t)

	a, err := p.AllocCodeMemBlock("a", 0x1000)
	g.Expect(err).NotTo(HaveOccurred())
	b, err := p.AllocMemBlock("b", memmod.MemBlockTypeUserRW, 0x180000)
	g.Expect(err).NotTo(HaveOccurred())
	c, err := p.AllocMemBlock("c", memmod.MemBlockTypeUserRW, 0x1000)
	g.Expect(err).NotTo(HaveOccurred())

	base := func(id memmod.BlockID) uint32 {
		addr, err := p.MemBlockBase(id)
		g.Expect(err).NotTo(HaveOccurred())
		return addr
	}
	g.Expect(base(a)).To(Equal(DefaultBase))
	g.Expect(base(b)).To(Equal(DefaultBase + 0x100000))
	g.Expect(base(c)).To(Equal(DefaultBase + 0x300000))

	g.Expect(p.FreeMemBlock(a)).To(Succeed())
	d, err := p.AllocMemBlock("d", memmod.MemBlockTypeUserRW, 0x100000)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(base(d)).To(Equal(DefaultBase))

	_, err = p.MemBlockBase(a)
	g.Expect(err).To(MatchError(ErrNoSuchBlock))
	g.Expect(p.FreeMemBlock(a)).To(MatchError(ErrNoSuchBlock))
}

func TestRegionsAndLimit(t *testing.T) {
	g := NewWithT(t)
	p := newTestPlatform(t, WithRegion("LoaderTemp", 0xA0000000), WithLimit(0xA0200000))

	id, err := p.AllocMemBlock("LoaderTemp", memmod.MemBlockTypeUserRW, 0x100000)
	g.Expect(err).NotTo(HaveOccurred())
	addr, err := p.MemBlockBase(id)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(addr).To(Equal(uint32(0xA0000000)))

	_, err = p.AllocMemBlock("LoaderTemp", memmod.MemBlockTypeUserRW, 0x200000)
	g.Expect(err).To(MatchError(ErrOutOfMemory))
	_, err = p.AllocMemBlock("empty", memmod.MemBlockTypeUserRW, 0)
	g.Expect(err).To(HaveOccurred())
}

func TestMemoryAccess(t *testing.T) {
	g := NewWithT(t)
	p := newTestPlatform(t)

	code, err := p.AllocCodeMemBlock("code", 0x100000)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = p.AllocMemBlock("data", memmod.MemBlockTypeUserRW, 0x100000)
	g.Expect(err).NotTo(HaveOccurred())

	n, err := p.WriteAt([]byte{1, 2, 3, 4}, int64(DefaultBase))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(4))

	// straddles the code and data blocks
	n, err = p.WriteAt([]byte{5, 6, 7, 8}, int64(DefaultBase)+0xFFFFE)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(4))
	buf := make([]byte, 4)
	_, err = p.ReadAt(buf, int64(DefaultBase)+0xFFFFE)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(buf).To(Equal([]byte{5, 6, 7, 8}))

	n, err = p.ReadAt(buf, int64(DefaultBase)+0x1FFFFE)
	g.Expect(err).To(MatchError(ErrUnmapped))
	g.Expect(n).To(Equal(2))
	_, err = p.WriteAt(buf, 0x10)
	g.Expect(err).To(MatchError(ErrUnmapped))

	id, err := p.FindMemBlockByAddr(DefaultBase + 0x10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(id).To(Equal(code))
	_, err = p.FindMemBlockByAddr(0x10)
	g.Expect(err).To(MatchError(ErrUnmapped))

	blocks := p.Blocks()
	g.Expect(blocks).To(HaveLen(2))
	g.Expect(blocks[0].Executable).To(BeTrue())
	g.Expect(blocks[1].Executable).To(BeFalse())
}
