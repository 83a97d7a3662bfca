package store

import (
	"context"
	"testing"

	"roadassist/internal/model"
)

func seedEmployee(t *testing.T, m *Memory, name string, sts ...model.ServiceType) model.Employee {
	t.Helper()
	e, err := m.CreateEmployee(context.Background(), model.EmployeeInput{Name: name, Specialties: sts})
	if err != nil {
		t.Fatalf("create employee: %v", err)
	}
	return e
}

func TestMemoryReserveIsCompareAndSet(t *testing.T) {
	m := NewMemory()
	e := seedEmployee(t, m, "Jan", model.ServiceFlatTyre)

	ok, err := m.Reserve(context.Background(), e.ID)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, err = m.Reserve(context.Background(), e.ID)
	if err != nil || ok {
		t.Fatalf("second reserve should fail: ok=%v err=%v", ok, err)
	}
	if err := m.Release(context.Background(), e.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = m.Reserve(context.Background(), e.ID)
	if !ok {
		t.Fatal("reserve after release should succeed")
	}
	if _, err := m.Reserve(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryListAvailableFilters(t *testing.T) {
	m := NewMemory()
	tyre := seedEmployee(t, m, "Jan", model.ServiceFlatTyre)
	seedEmployee(t, m, "Kees", model.ServiceTowTruck)
	busy := seedEmployee(t, m, "Piet", model.ServiceFlatTyre)
	if _, err := m.Reserve(context.Background(), busy.ID); err != nil {
		t.Fatal(err)
	}

	out, err := m.ListAvailable(context.Background(), model.ServiceFlatTyre)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != tyre.ID {
		t.Fatalf("want only %s, got %+v", tyre.ID, out)
	}
}

func TestMemoryHistoryPagination(t *testing.T) {
	m := NewMemory()
	ids := []string{"r1", "r2", "r3"}
	for _, id := range ids {
		err := m.RecordCompletion(context.Background(), &model.ServiceRequest{
			ID: id, RequesterID: "u1", ServiceType: model.ServiceFlatTyre,
			Status: model.StatusCompleted, DeclineCount: 1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	items, next, err := m.ListHistory(context.Background(), "u1", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || next != "r2" {
		t.Fatalf("page1: items=%d next=%q", len(items), next)
	}
	items, next, err = m.ListHistory(context.Background(), "u1", next, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "r3" || next != "" {
		t.Fatalf("page2: %+v next=%q", items, next)
	}

	stats, err := m.RequestStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats["completed"] != 3 || stats["totalDeclines"] != 3 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestMemorySubscriptionsByEvent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s1, _ := m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "https://a", Events: []string{"quote.issued"}})
	m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t1", URL: "https://b", Events: []string{"request.completed"}})
	m.CreateSubscription(ctx, model.SubscriptionRequest{TenantID: "t2", URL: "https://c", Events: []string{"quote.issued"}})

	subs, err := m.GetSubscriptionsForEvent(ctx, "t1", "quote.issued")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != s1.ID {
		t.Fatalf("want only %s, got %+v", s1.ID, subs)
	}

	if err := m.DeleteSubscription(ctx, "t1", s1.ID); err != nil {
		t.Fatal(err)
	}
	subs, _ = m.GetSubscriptionsForEvent(ctx, "t1", "quote.issued")
	if len(subs) != 0 {
		t.Fatalf("deleted subscription still matched: %+v", subs)
	}
}

func TestMemoryDeliveryLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.EnqueueWebhook(ctx, "t1", "sub1", "quote.issued", "https://x", "s", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due=%d err=%v", len(due), err)
	}

	// failed attempt goes to retry, then exhaustion moves it to the DLQ
	if err := m.MarkWebhookDelivery(ctx, id, false, nil, "boom", 500, 12); err != nil {
		t.Fatal(err)
	}
	items, _, _ := m.ListWebhookDeliveries(ctx, "t1", "retry", "", 10)
	if len(items) != 1 {
		t.Fatalf("retry list: %+v", items)
	}
	if err := m.FailWebhookDelivery(ctx, id, "gave up", 500, 12); err != nil {
		t.Fatal(err)
	}
	dlq, _, _ := m.ListWebhookDLQ(ctx, "t1", "", 10)
	if len(dlq) != 1 {
		t.Fatalf("dlq: %+v", dlq)
	}

	// requeue drains the DLQ and makes the delivery due again
	if err := m.RequeueWebhookDLQ(ctx, "t1", id); err != nil {
		t.Fatal(err)
	}
	dlq, _, _ = m.ListWebhookDLQ(ctx, "t1", "", 10)
	if len(dlq) != 0 {
		t.Fatalf("dlq after requeue: %+v", dlq)
	}
	due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("due after requeue: %+v", due)
	}
}
