package serializer_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/gxo-labs/jsonl/internal/serializer"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_TaskGoldenLine(t *testing.T) {
	ev := events.TaskResult{
		TaskName: "install pkg",
		Host:     "web1",
		State:    events.StateChanged,
		Result:   value.Mapping{"rc": value.Int(0)},
	}
	const want = `{"type":"task","name":"install pkg","host":"web1","state":"changed","result":{"rc":0}}` + "\n"

	for i := 0; i < 5; i++ {
		line, err := serializer.Serialize(verbosity.Select(ev, 0))
		require.NoError(t, err)
		assert.Equal(t, want, string(line.Data))
		assert.Equal(t, serializer.StyleYellow, line.Style)
	}
}

func TestSerialize_KeyOrderPerKind(t *testing.T) {
	testCases := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "task with check_mode",
			ev: events.TaskResult{
				TaskName: "t", Host: "h", State: events.StateOK, CheckMode: events.Bool(false),
				Result: value.Mapping{"z": value.Int(1), "a": value.Sequence{value.Bool(true), value.Null{}}},
			},
			want: `{"type":"task","name":"t","host":"h","state":"ok","check_mode":false,"result":{"a":[true,null],"z":1}}`,
		},
		{
			name: "play with vars",
			ev:   events.PlayStart{Name: "site", Vars: value.Mapping{"b": value.Float(1.5), "a": value.String("x")}},
			want: `{"type":"play","name":"site","vars":{"a":"x","b":1.5}}`,
		},
		{
			name: "play without vars",
			ev:   events.PlayStart{Name: "site"},
			want: `{"type":"play","name":"site"}`,
		},
		{
			name: "skip_play",
			ev:   events.SkipPlay{Reason: "no hosts matched", PlayName: "site"},
			want: `{"type":"skip_play","reason":"no hosts matched","play_name":"site"}`,
		},
		{
			name: "handler",
			ev:   events.HandlerStart{Name: "restart nginx"},
			want: `{"type":"handler","name":"restart nginx"}`,
		},
		{
			name: "play_recap",
			ev: events.RunRecap{Hosts: map[string]events.HostSummary{
				"web2": {OK: 1},
				"db1":  {Failed: 2, Ignored: 1},
			}},
			want: `{"type":"play_recap","hosts":{` +
				`"db1":{"ok":0,"changed":0,"unreachable":0,"failed":2,"skipped":0,"rescued":0,"ignored":1},` +
				`"web2":{"ok":1,"changed":0,"unreachable":0,"failed":0,"skipped":0,"rescued":0,"ignored":0}}}`,
		},
		{
			name: "task with nil result",
			ev:   events.TaskResult{TaskName: "t", Host: "h", State: events.StateSkipped},
			want: `{"type":"task","name":"t","host":"h","state":"skipped","result":{}}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			line, err := serializer.Serialize(tc.ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want+"\n", string(line.Data))
		})
	}
}

func TestSerialize_StringEscaping(t *testing.T) {
	ev := events.TaskResult{
		TaskName: "quote \" and \\ backslash",
		Host:     "h",
		State:    events.StateOK,
		Result: value.Mapping{
			"stdout": value.String("line1\nline2\r\t<b>&</b>\x01"),
			"sep":    value.String("a\u2028b\u2029c"),
			"bad":    value.String("x\xffy"),
		},
	}
	line, err := serializer.Serialize(ev)
	require.NoError(t, err)

	data := string(line.Data)
	assert.Equal(t, 1, strings.Count(data, "\n"), "exactly one raw newline")
	assert.True(t, strings.HasSuffix(data, "}\n"))
	assert.Contains(t, data, `"quote \" and \\ backslash"`)
	assert.Contains(t, data, `"line1\nline2\r\t<b>&</b>\u0001"`)
	assert.Contains(t, data, `"a\u2028b\u2029c"`)
	assert.Contains(t, data, `"x\ufffdy"`)

	decoded, err := serializer.Decode(line.Data)
	require.NoError(t, err)
	result := decoded["result"].(value.Mapping)
	assert.Equal(t, value.String("line1\nline2\r\t<b>&</b>\x01"), result["stdout"])
	assert.Equal(t, value.String("x\ufffdy"), result["bad"])
}

func TestSerialize_CycleFails(t *testing.T) {
	loop := value.Mapping{"name": value.String("a")}
	loop["self"] = loop
	ev := events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"loop": loop}}

	_, err := serializer.Serialize(ev)
	require.Error(t, err)
	assert.True(t, jsonlerrors.IsSerialization(err))
	var serErr *jsonlerrors.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "result.loop.self", serErr.Path)
}

func TestSerialize_SharedSubtreeIsNotACycle(t *testing.T) {
	shared := value.Mapping{"k": value.Int(1)}
	ev := events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"a": shared, "b": shared}}

	line, err := serializer.Serialize(ev)
	require.NoError(t, err)
	assert.Contains(t, string(line.Data), `"result":{"a":{"k":1},"b":{"k":1}}`)
}

func TestSerialize_DepthBound(t *testing.T) {
	var nested value.Value = value.Int(1)
	for i := 0; i < 10; i++ {
		nested = value.Sequence{nested}
	}
	ev := events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"deep": nested}}

	_, err := serializer.New(serializer.WithMaxDepth(5)).Serialize(ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum depth")

	_, err = serializer.New().Serialize(ev)
	assert.NoError(t, err)
}

func TestSerialize_AcceptsDeepestConvertiblePayload(t *testing.T) {
	var deep interface{} = "leaf"
	for i := 0; i < value.MaxDepth-1; i++ {
		deep = map[string]interface{}{"d": deep}
	}
	result, err := value.MappingFromAny(map[string]interface{}{"d": deep})
	require.NoError(t, err, "conversion accepts MaxDepth nested containers")

	_, err = serializer.Serialize(events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: result})
	assert.NoError(t, err, "whatever conversion accepts also serializes")

	_, err = serializer.Serialize(events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"d": result}})
	assert.Error(t, err)
}

func TestSerialize_SubSliceIsNotACycle(t *testing.T) {
	items := value.Sequence{value.String("x"), nil}
	items[1] = items[:1]
	line, err := serializer.Serialize(events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"items": items}})
	require.NoError(t, err)
	assert.Contains(t, string(line.Data), `"result":{"items":["x",["x"]]}`)
}

func TestSerialize_NilContainers(t *testing.T) {
	ev := events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{
		"m": value.Mapping(nil), "s": value.Sequence(nil), "v": nil,
	}}
	line, err := serializer.Serialize(ev)
	require.NoError(t, err)
	assert.Contains(t, string(line.Data), `"result":{"m":{},"s":[],"v":null}`)

	line, err = serializer.Serialize(events.RunRecap{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"play_recap","hosts":{}}`+"\n", string(line.Data))

	line, err = serializer.Serialize(events.PlayStart{Name: "p", Vars: value.Mapping{}})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"play","name":"p","vars":{}}`+"\n", string(line.Data), "empty vars are kept")
}

func TestSerialize_NonFiniteNumberFails(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ev := events.TaskResult{TaskName: "t", Host: "h", State: events.StateOK, Result: value.Mapping{"x": value.Float(f)}}
		_, err := serializer.Serialize(ev)
		assert.True(t, jsonlerrors.IsSerialization(err), "value %v", f)
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	result, err := value.MappingFromAny(map[string]interface{}{
		"rc":      0,
		"stdout":  "hello",
		"ratio":   0.25,
		"big":     uint64(math.MaxUint64),
		"lines":   []interface{}{"a", "b"},
		"nested":  map[string]interface{}{"ok": true, "none": nil},
		"unicode": "héllo ✓",
	})
	require.NoError(t, err)

	all := []events.Event{
		events.TaskResult{TaskName: "t", Host: "h", State: events.StateFailed, CheckMode: events.Bool(true), Result: result},
		events.PlayStart{Name: "p", Vars: value.Mapping{"env": value.String("prod")}},
		events.HandlerStart{Name: "restart"},
		events.SkipPlay{Reason: "no hosts matched", PlayName: "p"},
		events.RunRecap{Hosts: map[string]events.HostSummary{"h": {OK: 3, Changed: 1, Rescued: 1}}},
	}

	for _, ev := range all {
		for _, lvl := range []verbosity.Level{0, 1, 2, 4} {
			reduced := verbosity.Select(ev, lvl)
			line, err := serializer.Serialize(reduced)
			require.NoError(t, err)
			require.True(t, bytes.HasSuffix(line.Data, []byte("\n")))

			decoded, err := serializer.Decode(line.Data)
			require.NoError(t, err)
			assert.True(t, value.Equal(serializer.View(reduced), decoded),
				"kind %s level %d: decoded %v", ev.Kind(), lvl, value.ToAny(decoded))

			parsed, err := serializer.Parse(line.Data)
			require.NoError(t, err)
			again, err := serializer.Serialize(parsed)
			require.NoError(t, err)
			assert.Equal(t, string(line.Data), string(again.Data), "re-serialization must be idempotent")
		}
	}
}

func TestDecode_Rejects(t *testing.T) {
	testCases := map[string]string{
		"two lines":     "{\"type\":\"handler\"}\n{\"type\":\"handler\"}\n",
		"trailing data": `{"type":"handler","name":"x"} 1`,
		"not an object": `[1,2]`,
		"null":          `null`,
		"garbage":       `{"type":`,
	}
	for name, line := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := serializer.Decode([]byte(line))
			assert.True(t, jsonlerrors.IsSerialization(err), "got %v", err)
		})
	}
}

func TestParse_RejectsBadRecords(t *testing.T) {
	_, err := serializer.Parse([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)

	_, err = serializer.Parse([]byte(`{"type":"task","name":"t","host":"h","state":"ok","result":[]}`))
	assert.Error(t, err)

	_, err = serializer.Parse([]byte(`{"type":"play_recap","hosts":{"h":{"ok":1.5}}}`))
	assert.Error(t, err)
}

func TestPalette(t *testing.T) {
	p := serializer.DefaultPalette()
	assert.Equal(t, serializer.StyleGreen, p.For(events.TaskResult{State: events.StateOK}))
	assert.Equal(t, serializer.StyleBrightRed, p.For(events.TaskResult{State: events.StateUnreachable}))
	assert.Equal(t, serializer.StyleCyan, p.For(events.SkipPlay{}))
	assert.Equal(t, serializer.StyleNone, p.For(events.HandlerStart{}))

	custom := serializer.Palette{Failed: "magenta"}.Merge(p)
	s := serializer.New(serializer.WithPalette(custom))
	line, err := s.Serialize(events.TaskResult{TaskName: "t", Host: "h", State: events.StateFailed})
	require.NoError(t, err)
	assert.Equal(t, serializer.Style("magenta"), line.Style)
	assert.NotContains(t, string(line.Data), "magenta", "styles never enter the record")
	assert.Equal(t, serializer.StyleGreen, s.Palette().OK)
}

func TestEncodeValue(t *testing.T) {
	data, err := serializer.EncodeValue(value.Mapping{"msg": value.String("x"), "n": value.Int(-3)})
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"x","n":-3}`, string(data))

	data, err = serializer.EncodeValue(value.Sequence{value.String("<a&b>"), value.Float(0.5)})
	require.NoError(t, err)
	assert.Equal(t, `["<a&b>",0.5]`, string(data))

	_, err = serializer.EncodeValue(value.Sequence{value.Float(math.NaN())})
	assert.True(t, jsonlerrors.IsSerialization(err))
}
