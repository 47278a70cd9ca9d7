package main

import (
	"context"
	"fmt"

	"github.com/oriys/coffeeshop"
)

// greeter is the demo handler: takes {name, age}, returns a greeting.
type greeter struct{}

type greeterQuery struct {
	coffeeshop.BaseQuery
	Language string `schema:"lang" json:"lang"`
}

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type greeting struct {
	Greeting string `json:"greeting"`
}

func (greeter) Validate(q greeterQuery, input *person) map[string]string {
	fields := map[string]string{}
	if input == nil {
		fields["body"] = "A person is required."
		return fields
	}
	if input.Name == "" {
		fields["name"] = "Name must not be empty."
	}
	if input.Age <= 0 {
		fields["age"] = "Age must be positive."
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (greeter) Brew(_ context.Context, q greeterQuery, input *person) (greeting, error) {
	hello := "Hello"
	if q.Language == "fr" {
		hello = "Bonjour"
	}
	return greeting{Greeting: fmt.Sprintf("%s, %s", hello, input.Name)}, nil
}
