package stepconf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnvGetter map[string]string

func (m mapEnvGetter) Get(key string) string {
	return m[key]
}

type Config struct {
	Target        string        `env:"target,required"`
	ChunkSize     int64         `env:"chunk_size"`
	Simultaneous  int           `env:"simultaneous"`
	TestChunks    bool          `env:"test_chunks"`
	FileTypes     []string      `env:"file_types"`
	Token         Secret        `env:"token"`
	Timeout       time.Duration `env:"timeout"`
	Journal       string        `env:"journal,dir"`
	FileNameField string        `env:"file_name_field,opt[fileName,name,'name,alias']"`
	Bucket        *string       `env:"bucket"`
	Region        *string       `env:"region"`
}

func validEnvs(t *testing.T) mapEnvGetter {
	return mapEnvGetter{
		"target":          "https://uploads.example.com/upload",
		"chunk_size":      "1048576",
		"simultaneous":    "3",
		"test_chunks":     "yes",
		"file_types":      "pdf|image/*",
		"token":           "pass1234",
		"timeout":         "90s",
		"journal":         t.TempDir(),
		"file_name_field": "name,alias",
		"bucket":          "uploads",
		"region":          "",
	}
}

func TestParse(t *testing.T) {
	envs := validEnvs(t)

	var c Config
	require.NoError(t, parse(&c, envs))

	assert.Equal(t, "https://uploads.example.com/upload", c.Target)
	assert.Equal(t, int64(1048576), c.ChunkSize)
	assert.Equal(t, 3, c.Simultaneous)
	assert.True(t, c.TestChunks)
	assert.Equal(t, []string{"pdf", "image/*"}, c.FileTypes)
	assert.Equal(t, Secret("pass1234"), c.Token)
	assert.Equal(t, 90*time.Second, c.Timeout)
	assert.Equal(t, envs["journal"], c.Journal)
	assert.Equal(t, "name,alias", c.FileNameField)
	require.NotNil(t, c.Bucket)
	assert.Equal(t, "uploads", *c.Bucket)
	assert.Nil(t, c.Region)
}

func TestParse_FromOSEnvironment(t *testing.T) {
	t.Setenv("ENV_NAME", "example")
	t.Setenv("ENV_NUMBER", "1548")

	c := struct {
		Name string `env:"ENV_NAME"`
		Num  int    `env:"ENV_NUMBER"`
	}{}
	require.NoError(t, Parse(&c))
	assert.Equal(t, "example", c.Name)
	assert.Equal(t, 1548, c.Num)
}

func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"target", ""},
		{"chunk_size", "big"},
		{"simultaneous", "1.5"},
		{"test_chunks", "sometimes"},
		{"timeout", "10 parsecs"},
		{"journal", "/not/exist"},
		{"file_name_field", "opt1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			envs := validEnvs(t)
			envs[tt.key] = tt.value

			var c Config
			err := parse(&c, envs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "- "+tt.key+":")
		})
	}
}

func TestParse_NotStructPointer(t *testing.T) {
	var c Config
	assert.ErrorIs(t, parse(c, mapEnvGetter{}), ErrNotStructPtr)

	var basicType string
	assert.ErrorIs(t, parse(&basicType, mapEnvGetter{}), ErrNotStructPtr)
}

func TestParse_UnknownConstraint(t *testing.T) {
	var c struct {
		Length string `env:"length,length"`
	}
	assert.Error(t, parse(&c, mapEnvGetter{"length": "1"}))
}

func TestParse_DirIsNotAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "journal.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	var c struct {
		Path string `env:"path,file"`
		Dir  string `env:"dir,dir"`
	}
	require.NoError(t, parse(&c, mapEnvGetter{"path": file, "dir": filepath.Dir(file)}))
	assert.Error(t, parse(&c, mapEnvGetter{"path": file, "dir": file}))
}

func TestPrefixedInputParser(t *testing.T) {
	envs := mapEnvGetter{
		"CHUNKUP_TARGET":       "http://localhost/upload",
		"CHUNKUP_SIMULTANEOUS": "4",
		"simultaneous":         "1",
	}

	var c struct {
		Target       string `env:"target,required"`
		Simultaneous int    `env:"simultaneous"`
	}
	require.NoError(t, NewPrefixedInputParser(envs, "CHUNKUP_").Parse(&c))
	assert.Equal(t, "http://localhost/upload", c.Target)
	assert.Equal(t, 4, c.Simultaneous)

	require.NoError(t, NewInputParser(envs).Parse(&c))
	assert.Equal(t, 1, c.Simultaneous)
}

func Test_getOptions(t *testing.T) {
	assert.Equal(t, []string{"opt1", "opt2", "opt1,opt2"}, getOptions("opt[opt1,opt2,'opt1,opt2']"))
	assert.Equal(t, []string{""}, getOptions("opt[]"))
}

func Test_valueString(t *testing.T) {
	var (
		s = "test"
		i = 99
		b = true
	)
	var (
		sNilPtr *string
		iNilPtr *int64
	)

	tests := []struct {
		name string
		v    reflect.Value
		want string
	}{
		{"string", reflect.ValueOf(s), "test"},
		{"string ptr", reflect.ValueOf(&s), "test"},
		{"string nil-ptr", reflect.ValueOf(sNilPtr), ""},
		{"int", reflect.ValueOf(i), "99"},
		{"int ptr", reflect.ValueOf(&i), "99"},
		{"int nil-ptr", reflect.ValueOf(iNilPtr), ""},
		{"bool", reflect.ValueOf(b), "true"},
		{"false", reflect.ValueOf(false), ""},
		{"secret", reflect.ValueOf(Secret("token")), "*****"},
		{"duration", reflect.ValueOf(2 * time.Minute), "2m0s"},
		{"list", reflect.ValueOf([]string{"a", "b"}), "a|b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valueString(tt.v))
		})
	}
}

func Test_PrintFormat(t *testing.T) {
	type uploadConfig struct {
		Target             string `env:"target"`
		FieldWithoutEnvTag string
		ChunkSize          int    `env:"chunk_size"`
		TestChunks         bool   `env:"test_chunks"`
		Token              Secret `env:"token"`
		FileNameField      string `env:"file_name_field,opt[fileName,name]"`
		hidden             string
	}

	cfg := uploadConfig{
		Target:             "http://localhost/upload",
		FieldWithoutEnvTag: "This field doesn't have a struct tag",
		Token:              "my secret",
		FileNameField:      "name",
		hidden:             "x",
	}

	reader, writer, err := os.Pipe()
	require.NoError(t, err)

	origStdout := os.Stdout
	os.Stdout = writer

	Print(cfg)

	os.Stdout = origStdout
	require.NoError(t, writer.Close())

	content, err := io.ReadAll(reader)
	require.NoError(t, err)

	expected := "\x1b[34;1mUploadConfig:\n\x1b[0m" + `- target: http://localhost/upload
- FieldWithoutEnvTag: This field doesn't have a struct tag
- chunk_size: <unset>
- test_chunks: <unset>
- token: *****
- file_name_field: name
`
	assert.Equal(t, expected, string(content))
}

func ExampleParse() {
	c := struct {
		Target  string `env:"EXAMPLE_TARGET"`
		Retries int    `env:"EXAMPLE_RETRIES"`
	}{}
	if err := os.Setenv("EXAMPLE_TARGET", "http://localhost/upload"); err != nil {
		panic(err)
	}
	if err := os.Setenv("EXAMPLE_RETRIES", "3"); err != nil {
		panic(err)
	}
	if err := Parse(&c); err != nil {
		panic(err)
	}
	fmt.Println(c)
	// Output: {http://localhost/upload 3}
}

func TestParse_UnsetValuesKeepDefaults(t *testing.T) {
	c := struct {
		Method  string `env:"method,opt[GET,POST]"`
		Journal string `env:"journal,dir"`
		Retries int    `env:"retries"`
	}{Method: "POST", Retries: 3}

	require.NoError(t, parse(&c, mapEnvGetter{}))
	assert.Equal(t, "POST", c.Method)
	assert.Equal(t, "", c.Journal)
	assert.Equal(t, 3, c.Retries)
}
