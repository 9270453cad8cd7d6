// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/request"
	"github.com/binderd/binderd/rpc"
)

type echoImpl struct {
	ctx *data.TypeRingContext
}

func (e *echoImpl) Process(req apiset.Request) error {
	r := req.(*request.Request)
	var text string
	if params := r.Params(); len(params) > 0 {
		text, _ = params[0].Payload().(string)
	}
	return r.Reply(nil, []*data.Data{e.ctx.CreateCopy(rpc.JSONType, text)})
}
func (e *echoImpl) ServiceStart() error   { return nil }
func (e *echoImpl) SetLogMask(uint32)     {}
func (e *echoImpl) GetLogMask() uint32    { return 0 }
func (e *echoImpl) Describe() interface{} { return map[string]string{"echo": "echoes its input"} }
func (e *echoImpl) Unref()                {}

type captureItf struct {
	replies chan string
}

func (c *captureItf) Reply(req *request.Request, err error, replies []*data.Data) {
	if err != nil {
		c.replies <- "error: " + err.Error()
		return
	}
	s, _ := replies[0].Payload().(string)
	c.replies <- s
}
func (c *captureItf) Unref(req *request.Request) {}
func (c *captureItf) Subscribe(req *request.Request, ev *event.Event) error {
	return nil
}
func (c *captureItf) Unsubscribe(req *request.Request, ev *event.Event) error {
	return nil
}

func TestExportImportOverUnixSocket(t *testing.T) {
	uri := "unix:" + filepath.Join(t.TempDir(), "echo.sock") + "/echo"

	srv := New(Options{Threads: 2})
	if _, err := srv.APIs.Add("echo", &echoImpl{ctx: srv.Data}, nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.Export(uri); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(0, true) })

	cli := New(Options{Threads: 2})
	if err := cli.Import(uri); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := cli.Serve(); err != nil {
		t.Fatalf("Serve (client): %v", err)
	}
	t.Cleanup(func() { cli.Shutdown(0, true) })

	itf := &captureItf{replies: make(chan string, 1)}
	r := request.New(itf, "echo", "say", []*data.Data{cli.Data.CreateCopy(rpc.JSONType, `"hi"`)})
	r.Process(cli.APIs)
	select {
	case got := <-itf.replies:
		if got != `"hi"` {
			t.Fatalf("echo = %q, want %q", got, `"hi"`)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo reply")
	}
	r.Unref()
}
