package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"

	"aichat/internal/ai"
	"aichat/internal/model"
	"aichat/internal/pkg/id"
	"aichat/internal/repository"
	"aichat/internal/service"
	"aichat/internal/stream"
)

// scriptedStreamer 按脚本产出增量的模型客户端
type scriptedStreamer struct {
	deltas []string
}

func (s *scriptedStreamer) ChatStream(ctx context.Context, history []model.Message) (<-chan ai.Chunk, error) {
	ch := make(chan ai.Chunk)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			select {
			case ch <- ai.Chunk{Content: d}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- ai.Chunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type chatTestEnv struct {
	engine   *gin.Engine
	store    *repository.MemoryStore
	registry *stream.Registry
	svc      *service.ChatService
}

func newChatTestEnv(deltas ...string) *chatTestEnv {
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	registry := stream.NewRegistry()
	broker := stream.NewBroker(16, time.Minute)
	cancels := stream.NewCancelManager(registry, nil)
	svc := service.NewChatService(store, &scriptedStreamer{deltas: deltas}, registry, broker, cancels, nil)

	engine := gin.New()
	h := NewChatHandler(svc)
	chats := engine.Group("/api/v1/chats")
	{
		chats.GET("", h.List)
		chats.POST("", h.Create)
		chats.GET("/:id/messages", h.Messages)
		chats.POST("/:id/messages", h.Send)
		chats.GET("/:id/stream", h.Attach)
		chats.POST("/:id/cancel", h.Cancel)
		chats.DELETE("/:id", h.Delete)
	}

	return &chatTestEnv{engine: engine, store: store, registry: registry, svc: svc}
}

// sseRecorder 给 httptest.ResponseRecorder 补上 CloseNotify，gin 的流式写入需要它
type sseRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		closed:           make(chan bool, 1),
	}
}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func (env *chatTestEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func (env *chatTestEnv) doStream(method, path string, body any) *sseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := newSSERecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func (env *chatTestEnv) createChat(t *testing.T, name string) string {
	t.Helper()
	w := env.do(http.MethodPost, "/api/v1/chats", model.CreateChatRequest{Name: name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat failed: %d %s", w.Code, w.Body.String())
	}
	var created model.ChatSummary
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("bad create response: %v", err)
	}
	return created.ID
}

// parseSSE 解析 SSE 响应体里的 data 负载
func parseSSE(t *testing.T, body string) []model.StreamEventResponse {
	t.Helper()
	var events []model.StreamEventResponse
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev model.StreamEventResponse
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatCRUD(t *testing.T) {
	Convey("对话的创建、列表、详情与删除", t, func() {
		env := newChatTestEnv()

		Convey("创建对话返回 201 与摘要", func() {
			w := env.do(http.MethodPost, "/api/v1/chats", model.CreateChatRequest{Name: "my chat"})
			So(w.Code, ShouldEqual, http.StatusCreated)

			var created model.ChatSummary
			So(json.Unmarshal(w.Body.Bytes(), &created), ShouldBeNil)
			So(created.Name, ShouldEqual, "my chat")
			So(id.IsValid(created.ID), ShouldBeTrue)
		})

		Convey("空白名称返回 400", func() {
			w := env.do(http.MethodPost, "/api/v1/chats", map[string]string{"name": "   "})
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			var resp model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Code, ShouldEqual, 40002)
		})

		Convey("非法请求体返回 400", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chats", strings.NewReader("{not json"))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			env.engine.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("列表包含已创建的对话", func() {
			idA := env.createChat(t, "alpha")
			idB := env.createChat(t, "beta")

			w := env.do(http.MethodGet, "/api/v1/chats", nil)
			So(w.Code, ShouldEqual, http.StatusOK)

			var chats []model.ChatSummary
			So(json.Unmarshal(w.Body.Bytes(), &chats), ShouldBeNil)
			So(chats, ShouldHaveLength, 2)
			ids := []string{chats[0].ID, chats[1].ID}
			So(ids, ShouldContain, idA)
			So(ids, ShouldContain, idB)
		})

		Convey("新对话的消息列表为空数组", func() {
			convID := env.createChat(t, "empty")
			w := env.do(http.MethodGet, "/api/v1/chats/"+convID+"/messages", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("畸形 id 返回 400", func() {
			w := env.do(http.MethodGet, "/api/v1/chats/not-a-uuid/messages", nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			var resp model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Code, ShouldEqual, 40003)
		})

		Convey("不存在的对话返回 404", func() {
			w := env.do(http.MethodGet, "/api/v1/chats/"+id.New()+"/messages", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)

			var resp model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Code, ShouldEqual, 40401)
		})

		Convey("删除后对话不可见，再次删除返回 404", func() {
			convID := env.createChat(t, "doomed")

			w := env.do(http.MethodDelete, "/api/v1/chats/"+convID, nil)
			So(w.Code, ShouldEqual, http.StatusOK)

			w = env.do(http.MethodGet, "/api/v1/chats/"+convID+"/messages", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)

			w = env.do(http.MethodDelete, "/api/v1/chats/"+convID, nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestChatSend(t *testing.T) {
	Convey("发送消息走 SSE 流式响应", t, func() {
		Convey("响应含全部增量且恰好一个 isFinal 事件", func() {
			env := newChatTestEnv("Hi", " there")
			convID := env.createChat(t, "hello")

			w := env.doStream(http.MethodPost, "/api/v1/chats/"+convID+"/messages",
				model.SendMessageRequest{Text: "Hello"})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "text/event-stream")

			events := parseSSE(t, w.Body.String())
			So(events, ShouldHaveLength, 3)
			So(events[0].Text, ShouldEqual, "Hi")
			So(events[0].IsFinal, ShouldBeFalse)
			So(events[1].Text, ShouldEqual, " there")
			So(events[2].IsFinal, ShouldBeTrue)
			So(events[2].Text, ShouldEqual, "Hi there")
			So(events[2].Sender, ShouldEqual, model.SenderAssistant)
			So(events[2].Error, ShouldBeEmpty)

			// 随后消息列表包含用户与助手两条
			deadline := time.Now().Add(2 * time.Second)
			var messages []model.MessageResponse
			for time.Now().Before(deadline) {
				mw := env.do(http.MethodGet, "/api/v1/chats/"+convID+"/messages", nil)
				So(mw.Code, ShouldEqual, http.StatusOK)
				messages = nil
				So(json.Unmarshal(mw.Body.Bytes(), &messages), ShouldBeNil)
				if len(messages) == 2 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			So(messages, ShouldHaveLength, 2)
			So(messages[0].Sender, ShouldEqual, model.SenderUser)
			So(messages[0].Text, ShouldEqual, "Hello")
			So(messages[1].Sender, ShouldEqual, model.SenderAssistant)
			So(messages[1].Text, ShouldEqual, "Hi there")
		})

		Convey("空白文本返回 400", func() {
			env := newChatTestEnv("x")
			convID := env.createChat(t, "blank")

			w := env.do(http.MethodPost, "/api/v1/chats/"+convID+"/messages",
				map[string]string{"text": "  "})
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			var resp model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Code, ShouldEqual, 40002)
		})

		Convey("不存在的对话返回 404", func() {
			env := newChatTestEnv("x")
			w := env.do(http.MethodPost, "/api/v1/chats/"+id.New()+"/messages",
				model.SendMessageRequest{Text: "Hello"})
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("会话进行中再次发送返回 409", func() {
			env := newChatTestEnv("x")
			convID := env.createChat(t, "busy")

			// 占住会话位模拟进行中的生成
			_, err := env.registry.Register(convID)
			So(err, ShouldBeNil)
			defer env.registry.Unregister(convID)

			w := env.do(http.MethodPost, "/api/v1/chats/"+convID+"/messages",
				model.SendMessageRequest{Text: "Hello"})
			So(w.Code, ShouldEqual, http.StatusConflict)

			var resp model.ErrorResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Code, ShouldEqual, 40901)
		})
	})
}

func TestChatAttach(t *testing.T) {
	Convey("旁路接入对话流", t, func() {
		Convey("无活动会话时补发历史后立即结束", func() {
			env := newChatTestEnv("reply")
			convID := env.createChat(t, "replay")

			w := env.doStream(http.MethodPost, "/api/v1/chats/"+convID+"/messages",
				model.SendMessageRequest{Text: "Hello"})
			So(w.Code, ShouldEqual, http.StatusOK)

			// 等助手消息落库
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				mw := env.do(http.MethodGet, "/api/v1/chats/"+convID+"/messages", nil)
				var messages []model.MessageResponse
				So(json.Unmarshal(mw.Body.Bytes(), &messages), ShouldBeNil)
				if len(messages) == 2 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			sw := env.doStream(http.MethodGet, "/api/v1/chats/"+convID+"/stream", nil)
			So(sw.Code, ShouldEqual, http.StatusOK)

			events := parseSSE(t, sw.Body.String())
			So(len(events), ShouldBeGreaterThanOrEqualTo, 2)
			So(events[0].Sender, ShouldEqual, model.SenderUser)
			So(events[0].Text, ShouldEqual, "Hello")
			So(events[1].Sender, ShouldEqual, model.SenderAssistant)
			So(events[1].Text, ShouldEqual, "reply")
		})

		Convey("带 last_seen_id 只补发之后的消息", func() {
			env := newChatTestEnv("reply")
			convID := env.createChat(t, "resume")

			env.doStream(http.MethodPost, "/api/v1/chats/"+convID+"/messages",
				model.SendMessageRequest{Text: "Hello"})

			deadline := time.Now().Add(2 * time.Second)
			var messages []model.MessageResponse
			for time.Now().Before(deadline) {
				mw := env.do(http.MethodGet, "/api/v1/chats/"+convID+"/messages", nil)
				messages = nil
				So(json.Unmarshal(mw.Body.Bytes(), &messages), ShouldBeNil)
				if len(messages) == 2 {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			So(messages, ShouldHaveLength, 2)

			sw := env.doStream(http.MethodGet,
				"/api/v1/chats/"+convID+"/stream?last_seen_id="+messages[0].ID, nil)
			So(sw.Code, ShouldEqual, http.StatusOK)

			events := parseSSE(t, sw.Body.String())
			So(len(events), ShouldBeGreaterThanOrEqualTo, 1)
			for _, ev := range events {
				So(ev.Sender, ShouldEqual, model.SenderAssistant)
			}
		})

		Convey("畸形 last_seen_id 返回 400", func() {
			env := newChatTestEnv()
			convID := env.createChat(t, "bad marker")

			w := env.do(http.MethodGet, "/api/v1/chats/"+convID+"/stream?last_seen_id=xyz", nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("不存在的对话返回 404", func() {
			env := newChatTestEnv()
			w := env.do(http.MethodGet, "/api/v1/chats/"+id.New()+"/stream", nil)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestChatCancel(t *testing.T) {
	Convey("取消生成", t, func() {
		Convey("受理取消请求返回 202", func() {
			env := newChatTestEnv()
			convID := env.createChat(t, "cancellable")

			w := env.do(http.MethodPost, "/api/v1/chats/"+convID+"/cancel", nil)
			So(w.Code, ShouldEqual, http.StatusAccepted)
			So(w.Body.String(), ShouldContainSubstring, "accepted")
		})

		Convey("取消是幂等的", func() {
			env := newChatTestEnv()
			convID := env.createChat(t, "idempotent")

			for i := 0; i < 3; i++ {
				w := env.do(http.MethodPost, "/api/v1/chats/"+convID+"/cancel", nil)
				So(w.Code, ShouldEqual, http.StatusAccepted)
			}
		})

		Convey("畸形 id 返回 400", func() {
			env := newChatTestEnv()
			w := env.do(http.MethodPost, "/api/v1/chats/bogus/cancel", nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}
