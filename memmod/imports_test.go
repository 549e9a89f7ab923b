package memmod

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/sliverarmory/vitaload/internal/testimage"
)

func sampleDescriptor() ImportDescriptor {
	return ImportDescriptor{
		Addr:      0x81000200,
		Library:   "SceLibKernel",
		FuncNIDs:  []uint32{0x632980D7, 0xB295EB61},
		FuncSlots: []uint32{0x00100000, 0x00100004},
		VarNIDs:   []uint32{0x0E1E8C94},
		VarSlots:  []uint32{0x00100008},
		TLSNIDs:   []uint32{0x2F6E1F11},
		TLSSlots:  []uint32{0x0010000C},
		rec: ImportRecord{
			Size:           ImportRecordSize,
			Version:        1,
			NumFunctions:   2,
			NumVars:        1,
			NumTLSVars:     1,
			ModuleNID:      0xCAE9ACE6,
			LibName:        0x00000300,
			FuncNIDTable:   0x00000310,
			FuncEntryTable: 0x00100000,
			VarNIDTable:    0x00000318,
			VarEntryTable:  0x00100008,
			TLSNIDTable:    0x0000031C,
			TLSEntryTable:  0x0010000C,
		},
		frame: FrameFile,
	}
}

func TestImportDescriptorOffsetInverts(t *testing.T) {
	d := sampleDescriptor()
	for _, addend := range []int32{0, 0x1000000, -0x1000, 0x7FFFFFFF, -0x7FFFFFFF} {
		got := d.offset(addend).offset(-addend)
		if !reflect.DeepEqual(got, d) {
			t.Fatalf("offset(%d) did not invert:\ngot=%+v\nwant=%+v", addend, got, d)
		}
	}
}

func TestImportDescriptorRelocate(t *testing.T) {
	d := sampleDescriptor()
	var base uint32 = 0x81000000
	if err := d.Relocate(int32(base)); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if d.Frame() != FrameLoad {
		t.Fatalf("unexpected frame after relocation: %v", d.Frame())
	}
	if d.rec.LibName != base+0x300 || d.rec.FuncNIDTable != base+0x310 || d.rec.VarEntryTable != base+0x100008 {
		t.Fatalf("pointers not relocated: %+v", d.rec)
	}
	if d.rec.TLSNIDTable != base+0x31C || d.rec.TLSEntryTable != base+0x10000C {
		t.Fatalf("TLS tables not relocated: %+v", d.rec)
	}
	if want := []uint32{base + 0x10000C}; !reflect.DeepEqual(d.TLSSlots, want) {
		t.Fatalf("TLS slots not relocated: got=%#v want=%#v", d.TLSSlots, want)
	}
	if want := []uint32{base + 0x100000, base + 0x100004}; !reflect.DeepEqual(d.FuncSlots, want) {
		t.Fatalf("slots not relocated: got=%#v want=%#v", d.FuncSlots, want)
	}
	if d.FuncNIDs[0] != 0x632980D7 {
		t.Fatalf("NIDs must not move: 0x%08X", d.FuncNIDs[0])
	}

	if err := d.Relocate(int32(base)); !errors.Is(err, ErrDescriptorRelocated) {
		t.Fatalf("second Relocate: got=%v want=%v", err, ErrDescriptorRelocated)
	}
}

func importImage(fileRelative bool) *testimage.Image {
	return testimage.Build(testimage.Config{
		Name:         "imports",
		FileRelative: fileRelative,
		Imports: []testimage.Import{
			{
				Library:   "SceLibKernel",
				ModuleNID: 0xCAE9ACE6,
				Functions: []uint32{0x632980D7, 0xB295EB61},
				Variables: []uint32{0x0E1E8C94},
			},
			{
				Library: "SceSysmem",
				TLS:     []uint32{0x1234},
			},
		},
	})
}

func TestReadImportDescriptor(t *testing.T) {
	t.Run("load frame", func(t *testing.T) {
		img := importImage(false)
		mem := newFlatMem(img)
		d, err := ReadImportDescriptor(mem, img.Base+img.ImportsTop, FrameLoad, 0)
		if err != nil {
			t.Fatalf("ReadImportDescriptor: %v", err)
		}
		if d.Library != "SceLibKernel" || d.ModuleNID() != 0xCAE9ACE6 {
			t.Fatalf("unexpected descriptor: %s 0x%08X", d.Library, d.ModuleNID())
		}
		if want := []uint32{0x632980D7, 0xB295EB61}; !reflect.DeepEqual(d.FuncNIDs, want) {
			t.Fatalf("function NIDs: got=%#v want=%#v", d.FuncNIDs, want)
		}
		if len(d.FuncSlots) != 2 || len(d.VarSlots) != 1 || len(d.TLSSlots) != 0 {
			t.Fatalf("unexpected slot counts: %d %d %d", len(d.FuncSlots), len(d.VarSlots), len(d.TLSSlots))
		}
		if err := d.Relocate(0x1000); !errors.Is(err, ErrDescriptorRelocated) {
			t.Fatalf("Relocate of a load-frame descriptor: got=%v want=%v", err, ErrDescriptorRelocated)
		}
	})

	t.Run("file frame", func(t *testing.T) {
		img := importImage(true)
		mem := newFlatMem(img)
		d, err := ReadImportDescriptor(mem, img.Base+img.ImportsTop+ImportRecordSize, FrameFile, img.Base)
		if err != nil {
			t.Fatalf("ReadImportDescriptor: %v", err)
		}
		if d.Library != "SceSysmem" || d.Frame() != FrameFile {
			t.Fatalf("unexpected descriptor: %s %v", d.Library, d.Frame())
		}
		if want := []uint32{0x1234}; !reflect.DeepEqual(d.TLSNIDs, want) {
			t.Fatalf("TLS NIDs: got=%#v want=%#v", d.TLSNIDs, want)
		}
		if err := d.Write(mem); err == nil {
			t.Fatalf("Write of a file-relative descriptor succeeded")
		}
	})

	t.Run("file-relative pointers read as absolute", func(t *testing.T) {
		img := importImage(true)
		mem := newFlatMem(img)
		if _, err := ReadImportDescriptor(mem, img.Base+img.ImportsTop, FrameLoad, 0); err == nil {
			t.Fatalf("ReadImportDescriptor followed relative pointers without a base")
		}
	})
}

func TestImportDescriptorWrite(t *testing.T) {
	img := importImage(true)
	mem := newFlatMem(img)
	addr := img.Base + img.ImportsTop
	d, err := ReadImportDescriptor(mem, addr, FrameFile, img.Base)
	if err != nil {
		t.Fatalf("ReadImportDescriptor: %v", err)
	}
	if err := d.Relocate(int32(img.Base)); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	err = resolveDescriptor(d, &LibraryExports{
		Library:   "SceLibKernel",
		Functions: map[uint32]uint32{0x632980D7: 0x80001000, 0xB295EB61: 0x80001010},
		Variables: map[uint32]uint32{0x0E1E8C94: 0x80002000},
	})
	if err != nil {
		t.Fatalf("resolveDescriptor: %v", err)
	}
	if err := d.Write(mem); err != nil {
		t.Fatalf("Write: %v", err)
	}

	slots, err := readWords(mem, img.Imports[0].FuncSlots[0], 2)
	if err != nil {
		t.Fatalf("readWords: %v", err)
	}
	if want := []uint32{0x80001000, 0x80001010}; !reflect.DeepEqual(slots, want) {
		t.Fatalf("function slots: got=%#v want=%#v", slots, want)
	}
	again, err := ReadImportDescriptor(mem, addr, FrameLoad, 0)
	if err != nil {
		t.Fatalf("descriptor is not absolute after write: %v", err)
	}
	if want := []uint32{0x80002000}; !reflect.DeepEqual(again.VarSlots, want) {
		t.Fatalf("variable slots: got=%#v want=%#v", again.VarSlots, want)
	}
}

func TestResolveDescriptorTLS(t *testing.T) {
	d := sampleDescriptor()
	d.frame = FrameLoad
	lib := &LibraryExports{
		Library:   "SceLibKernel",
		Functions: map[uint32]uint32{0x632980D7: 0x80001000, 0xB295EB61: 0x80001010},
		Variables: map[uint32]uint32{0x0E1E8C94: 0x80002000},
		TLS:       map[uint32]uint32{0x2F6E1F11: 0x80003000},
	}
	if err := resolveDescriptor(&d, lib); err != nil {
		t.Fatalf("resolveDescriptor: %v", err)
	}
	if want := []uint32{0x80003000}; !reflect.DeepEqual(d.TLSSlots, want) {
		t.Fatalf("TLS slots: got=%#v want=%#v", d.TLSSlots, want)
	}

	d = sampleDescriptor()
	d.frame = FrameLoad
	delete(lib.TLS, 0x2F6E1F11)
	lib.Variables[0x2F6E1F11] = 0x80002004
	if err := resolveDescriptor(&d, lib); err == nil {
		t.Fatalf("resolveDescriptor took a TLS NID from the variable table")
	}
}

func TestResolveDescriptorMissingNID(t *testing.T) {
	d := sampleDescriptor()
	d.frame = FrameLoad
	err := resolveDescriptor(&d, &LibraryExports{
		Library:   "SceLibKernel",
		Functions: map[uint32]uint32{0x632980D7: 0x80001000},
	})
	if err == nil {
		t.Fatalf("resolveDescriptor accepted an unexported NID")
	}
}
