package command

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/smartystreets/goconvey/convey"

	"firmbuild/internal/config"
)

func newConfig(t *testing.T, mutate func(c *config.Config)) *config.Config {
	t.Helper()
	c := config.Default()
	c.CPU = "Cortex-M3"
	c.Output = t.TempDir()
	if mutate != nil {
		mutate(c)
	}
	f, err := c.Finalize()
	require.NoError(t, err)
	return f
}

func TestIncludeFlag(t *testing.T) {
	Convey("GIVEN: An include directory", t, func() {
		Convey("WHEN: Format \"/usr/local\"", func() {
			Convey("THEN: Should be \"-I/usr/local\"", func() {
				So(IncludeFlag("/usr/local"), ShouldEqual, "-I/usr/local")
			})
		})
		Convey("WHEN: Format \"/usr/foo bar\" and render it", func() {
			actual := Line{IncludeFlag("/usr/foo bar")}.String()
			Convey("THEN: The rendered flag is quoted as a whole", func() {
				So(actual, ShouldEqual, "'-I/usr/foo bar'")
			})
		})
	})
}

func TestDefineFlag(t *testing.T) {
	for _, def := range []string{"FOO", "BAR=BAZ"} {
		Convey(fmt.Sprintf("GIVEN: Definition \"%s\"", def), t, func() {
			So(DefineFlag(def), ShouldEqual, "-D"+def)
		})
	}
}

func TestBuilder_CompileLegacy(t *testing.T) {
	Convey("GIVEN: A legacy debug configuration", t, func() {
		cfg := newConfig(t, func(c *config.Config) {
			c.Debug = true
			c.Defines.Add("STM32F1")
			c.ExtraCompile = []string{" --diag_suppress 1 "}
		})
		b, err := New(cfg, []string{"/src/Inc"})
		So(err, ShouldBeNil)

		Convey("WHEN: Build the C line", func() {
			l := b.Compile(LangC)
			Convey("THEN: Flags appear in order", func() {
				So(l, ShouldResemble, Line{
					"-c", "--cpu", "Cortex-M3", "-D__MICROLIB", "-g", "-O0",
					"--apcs=interwork", "--split_sections", "--multibyte_chars",
					"-DDEBUG", "-DUSE_FULL_ASSERT", "-DSTM32F1",
					"--diag_suppress", "1",
					"-I/src/Inc",
				})
			})
		})
		Convey("WHEN: Build the C++ line", func() {
			l := b.Compile(LangCPP)
			Convey("THEN: C++11 follows -c", func() {
				So(l[:2], ShouldResemble, Line{"-c", "--cpp11"})
			})
		})
		Convey("WHEN: Complete it for a source", func() {
			l := b.ForSource(b.Compile(LangC), "/src/Sys.c", "/out/ObjD/Sys", false)
			Convey("THEN: Output, browse and depend files are named after the object", func() {
				So(l[len(l)-9:], ShouldResemble, Line{
					"-o", "/out/ObjD/Sys.o",
					"--omf_browse", "/out/ObjD/Sys.crf",
					"--depend", "/out/ObjD/Sys.d",
					"-c", "/src/Sys.c",
				})
			})
		})
		Convey("WHEN: Complete it for preprocessing", func() {
			l := b.ForSource(b.Compile(LangCPP), "/src/Sys.cpp", "/out/ObjD/Sys", true)
			Convey("THEN: Output keeps the source extension", func() {
				So(l, ShouldContain, "-E")
				So(l, ShouldContain, "/out/ObjD/Sys.cpp")
				So(l, ShouldNotContain, "/out/ObjD/Sys.o")
			})
		})
	})
}

func TestBuilder_CompileLinux(t *testing.T) {
	cfg := newConfig(t, func(c *config.Config) { c.Linux = true; c.Tiny = true })
	b, err := New(cfg, nil)
	require.NoError(t, err)
	l := b.Compile(LangC)
	assert.Contains(t, l, "--enum_is_int")
	assert.Contains(t, l, "--wchar32")
	assert.Contains(t, l, "-O3")
	assert.Contains(t, l, "-DTINY")
	assert.NotContains(t, l, "-DDEBUG")
}

func TestBuilder_CompileModern(t *testing.T) {
	Convey("GIVEN: A modern release configuration", t, func() {
		cfg := newConfig(t, func(c *config.Config) {
			c.Dialect = config.DialectModern
			c.Defines.Add("GD32F1")
		})
		b, err := New(cfg, nil)
		So(err, ShouldBeNil)
		Convey("WHEN: Build the C++ line", func() {
			l := b.Compile(LangCPP)
			Convey("THEN: The target and lowered CPU are used", func() {
				So(l[:11], ShouldResemble, Line{
					"-xc++", "-std=c++14", "--target=arm-arm-none-eabi", "-funsigned-char", "-MD",
					"-mcpu=cortex-m3", "-D__MICROLIB", "-gdwarf-3", "-O3",
					"-ffunction-sections", "-Warmcc-pragma-arm",
				})
				So(l, ShouldContain, "-DGD32F1")
			})
		})
		Convey("WHEN: Complete the C line for a source", func() {
			l := b.ForSource(b.Compile(LangC), "/src/a.c", "/out/Obj/a", false)
			Convey("THEN: No browse or depend files are requested", func() {
				So(l[0], ShouldEqual, "-xc")
				So(l, ShouldNotContain, "--omf_browse")
				So(l[len(l)-4:], ShouldResemble, Line{"-o", "/out/Obj/a.o", "-c", "/src/a.c"})
			})
		})
	})
}

func TestBuilder_Assemble(t *testing.T) {
	cfg := newConfig(t, func(c *config.Config) {
		c.Debug = true
		c.Defines.Add("STM32F4")
	})
	b, err := New(cfg, nil)
	require.NoError(t, err)
	l := b.Assemble("/src/startup.s", "/out/ObjD/startup", "/out/List/startup")
	assert.Equal(t, Line{
		"--cpu", "Cortex-M3", "-g", "--apcs=interwork",
		"--pd", "__MICROLIB SETA 1",
		"--pd", "STM32F4 SETA 1",
		"--pd", "DEBUG SETA 1",
		"--list", "/out/List/startup.lst", "--xref",
		"-o", "/out/ObjD/startup.o", "--depend", "/out/ObjD/startup.d",
		"/src/startup.s",
	}, l)
}

func TestBuilder_Pure(t *testing.T) {
	cfg := newConfig(t, nil)
	b, err := New(cfg, []string{"/a", "/A", "/b"})
	require.NoError(t, err)
	assert.Equal(t, b.Compile(LangC), b.Compile(LangC))
	assert.Len(t, b.Includes(), 2)

	line := b.Compile(LangC)
	_ = b.ForSource(line, "/x.c", "/o/x", false)
	assert.Equal(t, b.Compile(LangC), line)
}

func TestParseLine(t *testing.T) {
	l, err := ParseLine(`-c '-I/usr/foo bar' -DX`)
	require.NoError(t, err)
	assert.Equal(t, Line{"-c", "-I/usr/foo bar", "-DX"}, l)
	assert.Equal(t, l, mustParse(t, l.String()))

	_, err = ParseLine(`-c "unterminated`)
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) Line {
	t.Helper()
	l, err := ParseLine(s)
	require.NoError(t, err)
	return l
}

func TestNew_InvalidExtra(t *testing.T) {
	cfg := newConfig(t, func(c *config.Config) { c.ExtraCompile = []string{`"open`} })
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
