// testproject is built for every supported toolchain and platform into
// test/build/<version>/ and analyzed by the pclnhdr tests. It only needs to
// give the linker a handful of functions, files and a goroutine.
package main

import (
	"fmt"
	"os"
	"strings"
)

type point struct {
	x, y int
}

func (p point) String() string {
	return fmt.Sprintf("(%d, %d)", p.x, p.y)
}

func sum(s []int, c chan int) {
	total := 0
	for _, v := range s {
		total += v
	}
	c <- total
}

func main() {
	p := point{x: 1, y: 2}
	fmt.Println(p)

	c := make(chan int)
	go sum([]int{7, 2, 8, 9}, c)

	messages := make(chan string)
	go func() { messages <- strings.Join(os.Args[1:], " ") }()

	fmt.Println("Hello, this is a test", <-messages)
	fmt.Println(<-c)
}
