package events

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/protu-ai/chat-service/internal/domain"
)

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"user.created": KindCreated,
		"user.updated": KindUpdated,
		"user.deleted": KindDeleted,
		"user.banned":  KindUnknown,
		"":             KindUnknown,
	}
	for key, want := range cases {
		if got := KindOf(key); got != want {
			t.Errorf("KindOf(%q)=%q want %q", key, got, want)
		}
	}
}

func TestParse_Created(t *testing.T) {
	ev, err := Parse(KeyUserCreated, []byte(`{"data":{"publicId":" p-1 ","id":42,"roles":["student"]}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Kind != KindCreated || ev.User.PublicID != "p-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.User.ID == nil || *ev.User.ID != 42 {
		t.Fatalf("id=%v", ev.User.ID)
	}
	if !reflect.DeepEqual(ev.User.Roles, []string{"student"}) {
		t.Fatalf("roles=%v", ev.User.Roles)
	}
}

func TestParse_DeletedWithoutRolesOrID(t *testing.T) {
	ev, err := Parse(KeyUserDeleted, []byte(`{"data":{"publicId":"unknown-id"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Kind != KindDeleted || ev.User.PublicID != "unknown-id" || ev.User.ID != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.User.Roles == nil {
		t.Fatal("roles should default to an empty slice")
	}
}

func TestParse_Malformed(t *testing.T) {
	bodies := map[string]string{
		"not json":      `{{`,
		"no data":       `{"publicId":"p1"}`,
		"no public id":  `{"data":{"roles":[]}}`,
		"blank id":      `{"data":{"publicId":"   "}}`,
		"id wrong type": `{"data":{"publicId":"p1","id":"seven"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(KeyUserUpdated, []byte(body)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParse_UnknownKeySkipsBody(t *testing.T) {
	ev, err := Parse("user.promoted", []byte(`garbage`))
	if err != nil {
		t.Fatalf("unknown keys must not fail: %v", err)
	}
	if ev.Kind != KindUnknown || ev.RoutingKey != "user.promoted" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type fakeStore struct {
	upserts []domain.UserReplica
	deletes []string
	err     error
}

func (f *fakeStore) Upsert(_ context.Context, u domain.UserReplica) error {
	f.upserts = append(f.upserts, u)
	return f.err
}

func (f *fakeStore) Delete(_ context.Context, publicID string) (bool, error) {
	f.deletes = append(f.deletes, publicID)
	return false, f.err
}

func TestApply_Dispatch(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{}
	u := domain.UserReplica{PublicID: "p1"}

	for _, k := range []Kind{KindCreated, KindUpdated} {
		if err := Apply(ctx, st, Event{Kind: k, User: u}); err != nil {
			t.Fatalf("%s: %v", k, err)
		}
	}
	if err := Apply(ctx, st, Event{Kind: KindDeleted, User: u}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := Apply(ctx, st, Event{Kind: KindUnknown}); err != nil {
		t.Fatalf("unknown: %v", err)
	}

	if len(st.upserts) != 2 || len(st.deletes) != 1 || st.deletes[0] != "p1" {
		t.Fatalf("upserts=%v deletes=%v", st.upserts, st.deletes)
	}
}
