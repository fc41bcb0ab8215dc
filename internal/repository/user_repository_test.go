package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/phoneauth/internal/models"
)

// fakeDynamo keeps items by PK and honours attribute_not_exists(PK) on put.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// beforePut runs once, before the first put is applied.
	beforePut func()
	putErr    error
	puts      int32
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func pkOf(item map[string]types.AttributeValue) string {
	if v, ok := item["PK"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if atomic.AddInt32(&f.puts, 1) == 1 && f.beforePut != nil {
		f.beforePut()
	}
	if f.putErr != nil {
		return nil, f.putErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	pk := pkOf(in.Item)
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(PK)" {
		if _, ok := f.items[pk]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: new(string)}
		}
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// seed stores u directly, as another server instance would.
func (f *fakeDynamo) seed(t *testing.T, u *models.User) {
	t.Helper()
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: u.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: u.GetSK()}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[u.GetPK()] = item
}

func TestUserRepositoryGetOrCreate(t *testing.T) {
	fake := newFakeDynamo()
	repo := NewUserRepository(fake, "users", quietLogger())
	ctx := context.Background()

	if _, err := repo.GetByPhoneNumber(ctx, "+15550007777"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	u, created, err := repo.GetOrCreate(ctx, "+15550007777")
	if err != nil || !created || u.ID == "" {
		t.Fatalf("first GetOrCreate: %+v created=%v err=%v", u, created, err)
	}

	again, created, err := repo.GetOrCreate(ctx, "+15550007777")
	if err != nil || created || again.ID != u.ID {
		t.Fatalf("second GetOrCreate: %+v created=%v err=%v", again, created, err)
	}
}

func TestUserRepositoryGetOrCreateLosesConditionalPut(t *testing.T) {
	fake := newFakeDynamo()
	repo := NewUserRepository(fake, "users", quietLogger())
	ctx := context.Background()

	winner := &models.User{
		ID:          "01HWINNER",
		PhoneNumber: "+15550008888",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	// Another instance creates the account between our read and our put.
	fake.beforePut = func() { fake.seed(t, winner) }

	u, created, err := repo.GetOrCreate(ctx, winner.PhoneNumber)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created {
		t.Fatal("the caller whose conditional put failed must not report a new account")
	}
	if u.ID != winner.ID {
		t.Fatalf("expected the winner's account %s, got %s", winner.ID, u.ID)
	}
}

func TestUserRepositoryPutFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.putErr = errors.New("throughput exceeded")
	repo := NewUserRepository(fake, "users", quietLogger())

	_, created, err := repo.GetOrCreate(context.Background(), "+15550009999")
	if err == nil || created || errors.Is(err, errUserExists) {
		t.Fatalf("expected a plain failure, got created=%v err=%v", created, err)
	}
}

func TestUserRepositoryConcurrentFirstLogin(t *testing.T) {
	fake := newFakeDynamo()
	repo := NewUserRepository(fake, "users", quietLogger())
	ctx := context.Background()

	const n = 10
	var created int32
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			u, isNew, err := repo.GetOrCreate(ctx, "+15550001234")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			if isNew {
				atomic.AddInt32(&created, 1)
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected one creation, got %d", created)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatal("all callers must see the same account")
		}
	}
}
