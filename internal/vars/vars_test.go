package vars

import "testing"

func TestSubstituteBothParties(t *testing.T) {
	got := Substitute("Hi %contactfirst%, I'm %userfirst%",
		Person{FirstName: "Sam"}, Person{FirstName: "Lee"})
	if got != "Hi Lee, I'm Sam" {
		t.Errorf("got %q, want %q", got, "Hi Lee, I'm Sam")
	}
}

func TestSubstituteMissingClosingDelimiter(t *testing.T) {
	got := Substitute("Hi %contactfirst", Person{}, Person{FirstName: "Lee"})
	if got != "Hi Lee" {
		t.Errorf("got %q, want %q", got, "Hi Lee")
	}
}

func TestSubstituteCaseInsensitive(t *testing.T) {
	got := Substitute("%ContactFirst% %USERLAST%",
		Person{LastName: "Ortiz"}, Person{FirstName: "Dana"})
	if got != "Dana Ortiz" {
		t.Errorf("got %q, want %q", got, "Dana Ortiz")
	}
}

func TestSubstituteAllTokens(t *testing.T) {
	sender := Person{FirstName: "Sam", LastName: "Reyes", City: "Tulsa"}
	recipient := Person{FirstName: "Lee", LastName: "Park", City: "Norman", Zip: "73069"}
	got := Substitute("%userfirst% %userlast% of %usercity% to %contactfirst% %contactlast%, %contactcity% %contactzip%",
		sender, recipient)
	want := "Sam Reyes of Tulsa to Lee Park, Norman 73069"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteUnknownTokenPassesThrough(t *testing.T) {
	in := "Hello %contactnickname%, vote!"
	if got := Substitute(in, Person{}, Person{FirstName: "Lee"}); got != in {
		t.Errorf("got %q, want unchanged %q", got, in)
	}
}

func TestSubstituteMissingFieldIsEmpty(t *testing.T) {
	got := Substitute("Hi %contactfirst%!", Person{}, Person{})
	if got != "Hi !" {
		t.Errorf("got %q, want %q (never a nil literal)", got, "Hi !")
	}
}

func TestSubstituteNoPlaceholdersIdempotent(t *testing.T) {
	in := "Polls close at 7pm."
	if got := Substitute(in, Person{FirstName: "Sam"}, Person{FirstName: "Lee"}); got != in {
		t.Errorf("got %q, want %q", got, in)
	}
}
