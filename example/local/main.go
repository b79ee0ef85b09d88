package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarks-tech/courier-go/example/books"
	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/eventbus"
	"github.com/quarks-tech/courier-go/pkg/interceptor/logging"
	"github.com/quarks-tech/courier-go/pkg/interceptor/recovery"
	"github.com/quarks-tech/courier-go/pkg/interceptor/validator"
	"github.com/quarks-tech/courier-go/pkg/messaging"
)

const queue = "local://books/durable"

func main() {
	ctx := context.Background()

	types := envelope.NewTypeRegistry()
	books.Register(types)

	var wg sync.WaitGroup

	subscriber := eventbus.NewSubscriber(
		envelope.NewSerializer(types, envelope.DefaultContentType),
		eventbus.WithChainSubscriberInterceptor(
			recovery.SubscriberInterceptor(),
			logging.SubscriberInterceptor(logrus.StandardLogger()),
			validator.SubscriberInterceptor(),
		),
	)

	eventbus.Handle(subscriber, books.BookCreatedType, func(_ context.Context, e *books.BookCreated) error {
		defer wg.Done()

		fmt.Printf("Creating book with ID %d\n", e.ID)

		return nil
	})

	rt, err := messaging.New(
		messaging.WithTypes(types),
		messaging.WithHandler(subscriber.Handle),
		messaging.WithPollInterval(100*time.Millisecond),
	)
	if err != nil {
		log.Fatal(err)
	}

	if err = rt.Subscribe("example.books.v1.*", queue); err != nil {
		log.Fatal(err)
	}

	if err = rt.Listen(ctx, queue); err != nil {
		log.Fatal(err)
	}

	if err = rt.Start(ctx); err != nil {
		log.Fatal(err)
	}

	publisher := eventbus.NewPublisher(rt)

	for c := int32(1); c <= 10; c++ {
		wg.Add(1)

		var opts []envelope.Option
		if c%5 == 0 {
			opts = append(opts, envelope.WithDelay(time.Second))
		}

		if err = publisher.Publish(ctx, &books.BookCreated{ID: c}, opts...); err != nil {
			log.Fatal(err)
		}
	}

	wg.Wait()

	if err = rt.Close(ctx); err != nil {
		log.Fatal(err)
	}
}
