package stream

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCancelManager(t *testing.T) {
	Convey("CancelManager 按对话取消进行中的会话", t, func() {
		r := NewRegistry()
		m := NewCancelManager(r, nil)

		Convey("取消活动会话会触发其取消信号", func() {
			sess, err := r.Register("conv-1")
			So(err, ShouldBeNil)

			So(m.Cancel(context.Background(), "conv-1"), ShouldBeNil)

			select {
			case <-sess.Context().Done():
			default:
				t.Fatal("session should be cancelled")
			}
		})

		Convey("Signal 返回活动会话的取消信号", func() {
			sess, err := r.Register("conv-1")
			So(err, ShouldBeNil)

			sig := m.Signal("conv-1")
			So(sig, ShouldEqual, sess.Context())
			So(sig.Err(), ShouldBeNil)
		})

		Convey("没有活动会话时 Signal 返回已取消的信号", func() {
			sig := m.Signal("missing")
			So(sig.Err(), ShouldNotBeNil)
		})

		Convey("取消已结束的会话是无错误的空操作", func() {
			sess, err := r.Register("conv-1")
			So(err, ShouldBeNil)
			r.Unregister("conv-1")

			So(m.Cancel(context.Background(), "conv-1"), ShouldBeNil)
			_ = sess
		})

		Convey("重复取消是幂等的", func() {
			_, err := r.Register("conv-1")
			So(err, ShouldBeNil)

			So(m.Cancel(context.Background(), "conv-1"), ShouldBeNil)
			So(m.Cancel(context.Background(), "conv-1"), ShouldBeNil)
		})

		Convey("未配置 Redis 时 Listen 立即返回", func() {
			done := make(chan struct{})
			go func() {
				m.Listen(context.Background())
				close(done)
			}()
			<-done
		})
	})
}
