package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kleinsniper/internal/alerting"
	"kleinsniper/internal/fetcher"
	"kleinsniper/internal/offer"
	"kleinsniper/internal/scheduler"
	"kleinsniper/internal/storage"
)

var iphone = offer.Model{
	Query:              "iPhone 13",
	CategoryID:         "173",
	DeviationThreshold: 0.2,
	MinPriceDelta:      100,
	MinPrice:           100,
	MaxPrice:           1000,
	MatchKeywords:      []string{"iphone"},
}

var pixel = offer.Model{
	Query:              "Pixel 7",
	CategoryID:         "173",
	DeviationThreshold: 0.2,
	MinPriceDelta:      50,
	MinPrice:           50,
	MaxPrice:           800,
	MatchKeywords:      []string{"pixel"},
}

type listing struct {
	id    string
	price int64
}

func complete(title string, items ...listing) fetcher.Result {
	res := fetcher.Result{Complete: true, Pages: 1}
	for _, it := range items {
		res.Candidates = append(res.Candidates, offer.Candidate{
			ID:         it.id,
			Title:      fmt.Sprintf("%s %s", title, it.id),
			Price:      it.price,
			URL:        "https://www.kleinanzeigen.de/s-anzeige/" + it.id,
			ObservedAt: time.Now().UTC(),
		})
	}
	return res
}

type fakeSource struct {
	mu      sync.Mutex
	results map[string]fetcher.Result
	calls   int
}

func (f *fakeSource) set(m offer.Model, res fetcher.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]fetcher.Result)
	}
	f.results[m.Query] = res
}

func (f *fakeSource) Collect(_ context.Context, m offer.Model) fetcher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results[m.Query]
}

type fakeNotifier struct {
	mu    sync.Mutex
	fail  bool
	sent  []alerting.Notification
	tries int
}

func (n *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tries++
	if n.fail {
		return errors.New("telegram unreachable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.OpenSQLite(context.Background(), storage.MemoryPath, storage.Options{})
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newService(t *testing.T, store Store, src fetcher.ListingSource, n alerting.Notifier, models ...offer.Model) *Service {
	t.Helper()
	svc, err := New(Options{Models: models, MinSamples: 2}, src, store, n, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建 service 失败: %v", err)
	}
	return svc
}

var baseline = []listing{{"a", 700}, {"b", 720}, {"c", 710}, {"d", 690}}

func TestCycleDetectsNotifiesAndPrunes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	notifier := &fakeNotifier{}
	svc := newService(t, store, src, notifier, iphone)

	src.set(iphone, complete("iPhone 13 128GB", baseline...))
	rep, err := svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("第一轮失败: %v", err)
	}
	if rep.Outcome != OutcomeOK || rep.New != 4 || rep.Deals != 0 {
		t.Fatalf("第一轮报告不正确: %+v", rep)
	}
	if s := svc.Stats(iphone.Identity()); s.N != 4 || s.Mean != 705 {
		t.Fatalf("建立基线后的统计不正确: %+v", s)
	}

	src.set(iphone, complete("iPhone 13 128GB", append(baseline, listing{"e", 560})...))
	rep, err = svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("第二轮失败: %v", err)
	}
	if rep.Deals != 1 || rep.Notified != 1 || notifier.count() != 1 {
		t.Fatalf("低价未送达: %+v, 已发送 %d", rep, notifier.count())
	}
	note := notifier.sent[0]
	if note.OfferID != "e" || note.Triggers != "relative,absolute" || note.Samples != 4 {
		t.Fatalf("通知内容不正确: %+v", note)
	}

	rep, err = svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("第三轮失败: %v", err)
	}
	if rep.Deals != 0 || notifier.count() != 1 {
		t.Fatalf("已通知的 offer 不应再次触发: %+v", rep)
	}
	if s := svc.Stats(iphone.Identity()); s.N != 5 {
		t.Fatalf("未变化的重复出现不应计入统计, n = %d", s.N)
	}

	src.set(iphone, complete("iPhone 13 128GB", baseline...))
	rep, err = svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("第四轮失败: %v", err)
	}
	if rep.Pruned != 1 {
		t.Fatalf("完整轮询中缺失的 offer 应被清理: %+v", rep)
	}

	top, err := store.CheapestActive(ctx, 5)
	if err != nil {
		t.Fatalf("查询最低价失败: %v", err)
	}
	for _, r := range top {
		if r.OfferID == "e" {
			t.Fatal("已清理的 offer 不应出现在最低价列表")
		}
	}
	last, ok, err := store.LastOffer(ctx)
	if err != nil || !ok || last.OfferID == "e" {
		t.Fatalf("最新 offer 不正确: %+v, %v, %v", last, ok, err)
	}
}

func TestNotifyFailureRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	notifier := &fakeNotifier{}
	svc := newService(t, store, src, notifier, iphone)

	src.set(iphone, complete("iPhone 13", baseline...))
	if _, err := svc.RunModel(ctx, iphone, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	notifier.fail = true
	src.set(iphone, complete("iPhone 13", append(baseline, listing{"e", 560})...))
	rep, err := svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("通知失败的那一轮不应报错: %v", err)
	}
	if rep.Outcome != OutcomeOK || rep.NotifyFailures != 1 || rep.Notified != 0 {
		t.Fatalf("报告不正确: %+v", rep)
	}
	records, err := store.ListOffers(ctx, iphone.Identity(), false)
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	for _, r := range records {
		if r.Notified {
			t.Fatalf("未送达的低价不应标记为已通知: %+v", r)
		}
	}

	notifier.fail = false
	rep, err = svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("重试轮失败: %v", err)
	}
	if rep.Notified != 1 || notifier.count() != 1 {
		t.Fatalf("重试时应送达低价: %+v", rep)
	}
}

func TestNotifyRetryJudgesAgainstBaselineWithoutItsOwnPrice(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	notifier := &fakeNotifier{}
	relativeOnly := iphone
	relativeOnly.MinPriceDelta = 1000
	svc := newService(t, store, src, notifier, relativeOnly)

	src.set(relativeOnly, complete("iPhone 13", baseline...))
	if _, err := svc.RunModel(ctx, relativeOnly, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	notifier.fail = true
	src.set(relativeOnly, complete("iPhone 13", append(baseline, listing{"e", 560})...))
	if _, err := svc.RunModel(ctx, relativeOnly, TriggerScheduled); err != nil {
		t.Fatalf("通知失败的那一轮不应报错: %v", err)
	}
	if s := svc.Stats(relativeOnly.Identity()); s.N != 5 {
		t.Fatalf("送达失败也应计入统计, n = %d", s.N)
	}

	notifier.fail = false
	rep, err := svc.RunModel(ctx, relativeOnly, TriggerScheduled)
	if err != nil {
		t.Fatalf("重试轮失败: %v", err)
	}
	if rep.Notified != 1 || notifier.count() != 1 {
		t.Fatalf("送达失败后仅相对阈值触发的低价丢失了: %+v", rep)
	}
	note := notifier.sent[0]
	if note.Triggers != "relative" || note.Samples != 4 || math.Abs(note.Mean.InexactFloat64()-705) > 1e-6 {
		t.Fatalf("重试通知不正确: %+v", note)
	}
}

func TestOverlappingModelsNotifyOfferOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	notifier := &fakeNotifier{}
	narrow := iphone
	narrow.MatchKeywords = []string{"iphone", "13"}
	svc := newService(t, store, src, notifier, iphone, narrow)

	src.set(iphone, complete("iPhone 13 128GB", baseline...))
	if _, err := svc.RunAll(ctx, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	src.set(iphone, complete("iPhone 13 128GB", append(baseline, listing{"e", 560})...))
	for i := 0; i < 2; i++ {
		if _, err := svc.RunAll(ctx, TriggerScheduled); err != nil {
			t.Fatalf("第 %d 轮失败: %v", i, err)
		}
	}
	if notifier.count() != 1 {
		t.Fatalf("被两个模型匹配的 offer 通知了 %d 次", notifier.count())
	}
	for _, m := range []offer.Model{iphone, narrow} {
		records, err := store.ListOffers(ctx, m.Identity(), false)
		if err != nil {
			t.Fatalf("列表查询失败: %v", err)
		}
		for _, r := range records {
			if r.OfferID == "e" && !r.Notified {
				t.Fatalf("%s 下的记录未标记为已通知: %+v", m.Identity(), r)
			}
		}
	}
}

func TestPartialFetchSkipsPruning(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	svc := newService(t, store, src, &fakeNotifier{}, iphone)

	src.set(iphone, complete("iPhone 13", baseline...))
	if _, err := svc.RunModel(ctx, iphone, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	partial := complete("iPhone 13", listing{"a", 700})
	partial.Complete = false
	partial.Err = &fetcher.FetchError{URL: "page 2", Attempts: 3, Err: errors.New("timeout")}
	src.set(iphone, partial)

	rep, err := svc.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("降级的一轮不应返回错误: %v", err)
	}
	if rep.Outcome != OutcomeDegraded || rep.Pruned != 0 || rep.Error == "" {
		t.Fatalf("报告不正确: %+v", rep)
	}
	active, err := store.ListOffers(ctx, iphone.Identity(), false)
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(active) != 4 {
		t.Fatalf("部分拉取不应清理 offer: 剩余 %d 条", len(active))
	}
}

type flakyStore struct {
	*storage.SQLite
	failAfter int
	upserts   int
}

func (f *flakyStore) Upsert(ctx context.Context, obs storage.Observation) (storage.UpsertResult, error) {
	f.upserts++
	if f.upserts > f.failAfter {
		return storage.UpsertResult{}, errors.New("disk I/O error")
	}
	return f.SQLite.Upsert(ctx, obs)
}

func TestStoreErrorAbortsCycle(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	src := &fakeSource{}
	store := &flakyStore{SQLite: base, failAfter: 100}
	svc := newService(t, store, src, &fakeNotifier{}, iphone)

	src.set(iphone, complete("iPhone 13", baseline...))
	if _, err := svc.RunModel(ctx, iphone, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	store.failAfter = store.upserts + 1
	src.set(iphone, complete("iPhone 13", listing{"a", 700}, listing{"x", 650}))
	rep, err := svc.RunModel(ctx, iphone, TriggerScheduled)
	if err == nil || rep.Outcome != OutcomeFailed {
		t.Fatalf("存储失败时本轮应报错: %+v, %v", rep, err)
	}
	active, err := base.ListOffers(ctx, iphone.Identity(), false)
	if err != nil {
		t.Fatalf("列表查询失败: %v", err)
	}
	if len(active) != 4 {
		t.Fatalf("中止的一轮不应清理, 剩余 %d 条", len(active))
	}
}

func TestManualRunRejectedWhileInFlight(t *testing.T) {
	src := &fakeSource{}
	svc := newService(t, newStore(t), src, &fakeNotifier{}, iphone)

	release, ok := svc.guard.TryLock(iphone.Identity())
	if !ok {
		t.Fatal("应获取到锁")
	}
	defer release()

	rep, err := svc.RunModel(context.Background(), iphone, TriggerManual)
	if !errors.Is(err, ErrCycleInFlight) || rep.Outcome != OutcomeSkipped {
		t.Fatalf("手动运行结果不正确: %+v, %v", rep, err)
	}
	if src.calls != 0 {
		t.Fatal("被拒绝的运行不应拉取")
	}
}

func TestScheduledRunWaitsForInFlight(t *testing.T) {
	src := &fakeSource{}
	src.set(iphone, complete("iPhone 13", baseline...))
	svc := newService(t, newStore(t), src, &fakeNotifier{}, iphone)

	release, ok := svc.guard.TryLock(iphone.Identity())
	if !ok {
		t.Fatal("应获取到锁")
	}
	done := make(chan CycleReport, 1)
	go func() {
		rep, _ := svc.RunModel(context.Background(), iphone, TriggerScheduled)
		done <- rep
	}()

	select {
	case <-done:
		t.Fatal("定时运行与进行中的一轮重叠了")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case rep := <-done:
		if rep.Outcome != OutcomeOK {
			t.Fatalf("报告不正确: %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("定时运行没有开始")
	}
}

type deniedLock struct{}

func (deniedLock) TryAcquire(context.Context, string) (func(), bool, error) {
	return nil, false, nil
}

func TestDistributedLockHeldElsewhereSkips(t *testing.T) {
	src := &fakeSource{}
	svc, err := New(Options{Models: []offer.Model{iphone}}, src, newStore(t), &fakeNotifier{}, deniedLock{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建 service 失败: %v", err)
	}
	rep, err := svc.RunModel(context.Background(), iphone, TriggerScheduled)
	if err != nil || rep.Outcome != OutcomeSkipped || src.calls != 0 {
		t.Fatalf("报告不正确: %+v, %v, 调用次数 %d", rep, err, src.calls)
	}
}

func TestRunAllIsolatesModels(t *testing.T) {
	src := &fakeSource{}
	src.set(iphone, complete("iPhone 13", baseline...))
	src.set(pixel, fetcher.Result{Complete: false, Err: errors.New("connection reset")})
	svc := newService(t, newStore(t), src, &fakeNotifier{}, iphone, pixel)

	if err := svc.Tick(context.Background(), scheduler.Tick{At: time.Now()}); err != nil {
		t.Fatalf("降级的模型不应导致 tick 失败: %v", err)
	}

	got := svc.Reports()
	if len(got) != 2 {
		t.Fatalf("应有两个模型的报告, 实际 %d", len(got))
	}
	if got[0].Outcome != OutcomeOK || got[0].New != 4 {
		t.Fatalf("正常模型的报告不正确: %+v", got[0])
	}
	if got[1].Outcome != OutcomeDegraded {
		t.Fatalf("失败模型的报告不正确: %+v", got[1])
	}
	if _, ok := svc.LastReport(pixel.Identity()); !ok {
		t.Fatal("LastReport 应找到 pixel 的运行记录")
	}
}

func TestStatsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{}
	src.set(iphone, complete("iPhone 13", baseline...))

	first := newService(t, store, src, &fakeNotifier{}, iphone)
	if _, err := first.RunModel(ctx, iphone, TriggerScheduled); err != nil {
		t.Fatalf("建立基线失败: %v", err)
	}

	notifier := &fakeNotifier{}
	second := newService(t, store, src, notifier, iphone)
	src.set(iphone, complete("iPhone 13", append(baseline, listing{"e", 560})...))
	rep, err := second.RunModel(ctx, iphone, TriggerScheduled)
	if err != nil {
		t.Fatalf("重启后的一轮失败: %v", err)
	}
	if rep.Deals != 1 || notifier.count() != 1 {
		t.Fatalf("持久化的统计应让重启后的低价触发: %+v", rep)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Options{}, nil, newStore(t), &fakeNotifier{}, nil, zerolog.Nop()); err == nil {
		t.Fatal("nil source 应被拒绝")
	}
	if _, err := New(Options{}, &fakeSource{}, nil, &fakeNotifier{}, nil, zerolog.Nop()); !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("nil store 结果不正确: %v", err)
	}
}
